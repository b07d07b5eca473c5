package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

// TemplateRepositoryInterface is the read side of template storage.
type TemplateRepositoryInterface interface {
	GetContent(ctx context.Context, templateID string) (string, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) GetContent(ctx context.Context, templateID string) (string, error) {
	var content string
	err := r.DB.QueryRowContext(ctx, `SELECT html_content FROM email_templates WHERE id=$1`, templateID).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", &appErrors.NotFoundError{Entity: "template", Key: templateID}
		}
		return "", err
	}
	return content, nil
}

// Upsert stores or replaces a template body.
func (r *TemplateRepository) Upsert(ctx context.Context, templateID, content string) error {
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO email_templates (id, html_content) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET html_content = EXCLUDED.html_content
    `, templateID, content)
	return err
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
