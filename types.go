package tradepost

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType enumerates the feed entry kinds.
type NotificationType string

const (
	TypeListingComplete  NotificationType = "listing_complete"
	TypeItemSold         NotificationType = "item_sold"
	TypePurchaseComplete NotificationType = "purchase_complete"
	TypeNewMessage       NotificationType = "new_message"
	TypeReviewReceived   NotificationType = "review_received"
	TypeSystem           NotificationType = "system"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeListingComplete, TypeItemSold, TypePurchaseComplete,
		TypeNewMessage, TypeReviewReceived, TypeSystem:
		return true
	}
	return false
}

// Notification is one entry of the user's feed.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Icon      string           `json:"icon,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
	Link      string           `json:"link,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// ============================================================================
// Chat
// ============================================================================

// Role is the viewer's side of a product chat.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// ChatScope is reported by the backend: "open" before the sale, "sold" after.
type ChatScope string

const (
	ScopeOpen ChatScope = "open"
	ScopeSold ChatScope = "sold"
)

// ChatMessage is an immutable message in a product thread.
type ChatMessage struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	SenderEmail   string    `json:"sender_email"`
	ReceiverEmail string    `json:"receiver_email"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
	SenderRole    Role      `json:"sender_role"`
}

// ChatParticipant is one counterpart in a seller's inbox for a product.
type ChatParticipant struct {
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	HasPurchased bool   `json:"has_purchased"`
}

// ChatSnapshot is the full, authoritative response of the retrieval endpoint.
type ChatSnapshot struct {
	Participants             []ChatParticipant `json:"participants"`
	Messages                 []ChatMessage     `json:"messages"`
	Scope                    ChatScope         `json:"chat_scope"`
	SelectedCounterpartEmail string            `json:"selected_counterpart_email,omitempty"`
}

// SendMessageRequest is the body of the send endpoint.
type SendMessageRequest struct {
	SenderEmail   string `json:"sender_email" validate:"required,email"`
	ReceiverEmail string `json:"receiver_email" validate:"required,email,nefield=SenderEmail"`
	Message       string `json:"message" validate:"required,max=2000"`
}

// ============================================================================
// Purchase status
// ============================================================================

// PurchaseStatus is computed by the backend; the client only displays it.
type PurchaseStatus struct {
	ProductID   string    `json:"product_id"`
	Status      string    `json:"status"`
	BuyerEmail  string    `json:"buyer_email,omitempty"`
	SellerEmail string    `json:"seller_email,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
