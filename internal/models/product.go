package models

// Product is the catalog summary shown as a card next to a chat session.
type Product struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	ImageURL        string `json:"image_url"`
	Permalink       string `json:"permalink"`
	LinkedSessionID int64  `json:"linked_session_id,omitempty"`
}
