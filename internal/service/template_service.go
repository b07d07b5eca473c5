// internal/service/template_service.go
package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Template variables available to every campaign email.
const (
	VarName           = "name"
	VarEmail          = "email"
	VarSubject        = "subject"
	VarCustomMessage  = "custom_message"
	VarFromName       = "from_name"
	VarUnsubscribeURL = "unsubscribe_url"
	VarCampaignName   = "campaign_name"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// TemplateRenderer turns a stored template plus per-recipient variables into
// the final body.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID string, vars map[string]string) (string, error)
}

type Renderer struct {
	Templates repository.TemplateRepositoryInterface
}

func NewRenderer(templates repository.TemplateRepositoryInterface) *Renderer {
	return &Renderer{Templates: templates}
}

func (r *Renderer) Render(ctx context.Context, templateID string, vars map[string]string) (string, error) {
	content, err := r.Templates.GetContent(ctx, templateID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return "", &appErrors.RenderError{TemplateID: templateID, Reason: "template not found"}
		}
		return "", err
	}
	return RenderTemplate(templateID, content, vars)
}

// RenderTemplate substitutes {{ key }} placeholders. A placeholder with no
// matching variable is an error; an empty value is not.
func RenderTemplate(templateID, content string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", &appErrors.RenderError{
			TemplateID: templateID,
			Reason:     "unknown variable " + strings.Join(missing, ", "),
		}
	}
	return out, nil
}
