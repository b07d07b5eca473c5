// internal/model/subscriber.go
package model

type Subscriber struct {
	ID               int    `db:"id" json:"id"`
	Email            string `db:"email" json:"email"`
	Name             string `db:"name" json:"name"`
	CustomMessage    string `db:"custom_message" json:"custom_message"`
	IsActive         bool   `db:"is_active" json:"is_active"`
	UnsubscribeToken string `db:"unsubscribe_token" json:"-"`
}

// Personalization returns the per-recipient fields copied onto a send record
// at batch creation time.
func (s *Subscriber) Personalization() map[string]string {
	return map[string]string{
		FieldName:             s.Name,
		FieldCustomMessage:    s.CustomMessage,
		FieldUnsubscribeToken: s.UnsubscribeToken,
	}
}
