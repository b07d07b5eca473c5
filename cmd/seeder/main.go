// cmd/seeder/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

const welcomeTemplate = `<html><body>
<p>Hi {{ name }},</p>
<p>{{ custom_message }}</p>
<p>Cheers,<br>{{ from_name }}</p>
<p style="font-size:small"><a href="{{ unsubscribe_url }}">Unsubscribe</a></p>
</body></html>`

var seedSubscribers = []model.Subscriber{
	{Email: "alice@example.com", Name: "Alice", CustomMessage: "Your early access is ready."},
	{Email: "bob@example.com", Name: "Bob", CustomMessage: "Thanks for being with us since day one."},
	{Email: "carol@example.com", Name: "Carol", CustomMessage: "We saved you a seat at the launch."},
	{Email: "dave@example.com", CustomMessage: "Here is what is new this month."},
}

// seeder applies the schema and loads demo data. Running it twice is safe.
func main() {
	schedule := flag.Duration("schedule-in", 0, "schedule the demo campaign this far in the future instead of leaving it as a draft")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	sqlDB, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := db.Migrate(ctx, sqlDB); err != nil {
		log.Fatal("Failed to apply schema", zap.Error(err))
	}
	log.Info("Schema applied")

	templates := &repository.TemplateRepository{DB: sqlDB}
	if err := templates.Upsert(ctx, "welcome", welcomeTemplate); err != nil {
		log.Fatal("Failed to seed template", zap.Error(err))
	}

	subscribers := &repository.SubscriberRepository{DB: sqlDB}
	created := 0
	for _, s := range seedSubscribers {
		s.IsActive = true
		if err := subscribers.Create(ctx, &s); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				continue
			}
			log.Fatal("Failed to seed subscriber", zap.String("email", s.Email), zap.Error(err))
		}
		created++
	}
	log.Info("Seeded subscribers", zap.Int("created", created), zap.Int("total", len(seedSubscribers)))

	c := &model.Campaign{
		Name:       "Spring launch",
		Subject:    "Something new is here",
		TemplateID: "welcome",
		Status:     model.CampaignDraft,
	}
	if *schedule > 0 {
		at := time.Now().UTC().Add(*schedule)
		c.Status = model.CampaignScheduled
		c.ScheduledAt = &at
	}
	campaigns := &repository.CampaignRepository{DB: sqlDB}
	if err := campaigns.Create(ctx, c); err != nil {
		log.Fatal("Failed to seed campaign", zap.Error(err))
	}
	log.Info("Database seeding completed",
		zap.Int("campaign_id", c.ID),
		zap.String("status", string(c.Status)))
}
