package backend

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/soyeahso/callrelay/internal/domain"
)

// AgentProfile is the per-agent configuration served by the backend.
type AgentProfile struct {
	Instructions string   `json:"instructions"`
	Voice        string   `json:"voice,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// Customer is a CRM record.
type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Ticket is a support ticket creation request.
type Ticket struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category,omitempty"`
	CallerPhone string `json:"callerPhone,omitempty"`
}

// Appointment is a booking request.
type Appointment struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	Service     string `json:"service"`
	Notes       string `json:"notes,omitempty"`
	CallerPhone string `json:"callerPhone,omitempty"`
}

// Booking is the backend's confirmation of an appointment.
type Booking struct {
	ID          string     `json:"id"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Offer is one ranked semantic search hit.
type Offer struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	URL     string  `json:"url,omitempty"`
}

// Notification is an admin alert about a failed call.
type Notification struct {
	CallID    string `json:"callId"`
	TenantID  string `json:"tenantId"`
	StoreID   string `json:"storeId"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Action    string `json:"action"`
}

// AgentProfile fetches the agent's instructions. An empty agent reference or
// a 404 yields a zero profile.
func (c *Client) AgentProfile(ctx context.Context, cc domain.CallContext) (AgentProfile, error) {
	var out AgentProfile
	if cc.AgentRef == "" {
		return out, nil
	}
	err := c.do(ctx, cc, "agent_instructions", http.MethodGet,
		"/agents/"+url.PathEscape(cc.AgentRef)+"/instructions", nil, nil, &out)
	if IsNotFound(err) {
		return AgentProfile{}, nil
	}
	return out, err
}

// SearchCustomers looks up customers by phone and/or email.
func (c *Client) SearchCustomers(ctx context.Context, cc domain.CallContext, phone, email string) ([]Customer, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	if email != "" {
		q.Set("email", email)
	}
	var out struct {
		Customers []Customer `json:"customers"`
	}
	err := c.do(ctx, cc, "customer_search", http.MethodGet, "/customers/search", q, nil, &out)
	if IsNotFound(err) {
		return nil, nil
	}
	return out.Customers, err
}

// CreateTicket opens a support ticket and returns its id.
func (c *Client) CreateTicket(ctx context.Context, cc domain.CallContext, t Ticket) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, cc, "tickets", http.MethodPost, "/tickets", nil, t, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// BookAppointment books a service appointment.
func (c *Client) BookAppointment(ctx context.Context, cc domain.CallContext, a Appointment) (Booking, error) {
	var out Booking
	err := c.do(ctx, cc, "appointments", http.MethodPost, "/appointments", nil, a, &out)
	return out, err
}

// SearchOffers runs a semantic search over the store's offers and knowledge base.
func (c *Client) SearchOffers(ctx context.Context, cc domain.CallContext, query string, limit int) ([]Offer, error) {
	body := struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}{query, limit}
	var out struct {
		Results []Offer `json:"results"`
	}
	if err := c.do(ctx, cc, "offer_search", http.MethodPost, "/offers/search", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// FallbackExtension returns the store's human fallback extension, or "" when
// none is configured.
func (c *Client) FallbackExtension(ctx context.Context, cc domain.CallContext) (string, error) {
	var out struct {
		FallbackExtension *string `json:"fallbackExtension"`
	}
	err := c.do(ctx, cc, "store_fallback", http.MethodGet,
		"/stores/"+url.PathEscape(cc.StoreID)+"/fallback", nil, nil, &out)
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil || out.FallbackExtension == nil {
		return "", err
	}
	return *out.FallbackExtension, nil
}

// NotifyAdmin posts an admin error notification.
func (c *Client) NotifyAdmin(ctx context.Context, n Notification) error {
	cc := domain.CallContext{CallID: n.CallID, TenantID: n.TenantID, StoreID: n.StoreID}
	return c.do(ctx, cc, "admin_notification", http.MethodPost, "/admin/notifications", nil, n, nil)
}

// SaveSummary hands the terminal call summary to the backend.
func (c *Client) SaveSummary(ctx context.Context, s domain.Summary) error {
	return c.do(ctx, s.Context, "session_summary", http.MethodPost, "/sessions/summary", nil, s, nil)
}
