package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/domain"
)

// Backend is the subset of the business API the built-in tools call.
type Backend interface {
	SearchCustomers(ctx context.Context, cc domain.CallContext, phone, email string) ([]backend.Customer, error)
	CreateTicket(ctx context.Context, cc domain.CallContext, t backend.Ticket) (string, error)
	BookAppointment(ctx context.Context, cc domain.CallContext, a backend.Appointment) (backend.Booking, error)
	SearchOffers(ctx context.Context, cc domain.CallContext, query string, limit int) ([]backend.Offer, error)
}

// Built-in tool names.
const (
	ToolLookupCustomer  = "crm_lookup_customer"
	ToolCreateTicket    = "create_support_ticket"
	ToolTransferToHuman = "transfer_to_human"
	ToolBookAppointment = "book_appointment"
	ToolSearchOffers    = "search_offers"
)

// Builtins returns the standard tool set bound to b.
func Builtins(b Backend) []Tool {
	return []Tool{
		&lookupCustomer{b: b, schema: reflectSchema(&LookupCustomerArgs{})},
		&createTicket{b: b, schema: reflectSchema(&CreateTicketArgs{})},
		&transferToHuman{schema: reflectSchema(&TransferArgs{})},
		&bookAppointment{b: b, schema: reflectSchema(&BookAppointmentArgs{})},
		&searchOffers{b: b, schema: reflectSchema(&SearchOffersArgs{})},
	}
}

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry(b Backend) *Registry {
	reg := NewRegistry()
	for _, t := range Builtins(b) {
		reg.Register(t)
	}
	return reg
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return &domain.ValidationError{Field: "arguments", Message: err.Error()}
	}
	return nil
}

// crm_lookup_customer

type LookupCustomerArgs struct {
	Phone string `json:"phone,omitempty" jsonschema_description:"Caller phone number in E.164 format"`
	Email string `json:"email,omitempty" jsonschema_description:"Customer email address"`
}

type lookupCustomer struct {
	b      Backend
	schema *jsonschema.Schema
}

func (t *lookupCustomer) Name() string { return ToolLookupCustomer }
func (t *lookupCustomer) Description() string {
	return "Look up a customer in the CRM by phone number or email address."
}
func (t *lookupCustomer) Schema() *jsonschema.Schema { return t.schema }

func (t *lookupCustomer) Execute(ctx context.Context, call domain.CallContext, raw json.RawMessage) (any, error) {
	var args LookupCustomerArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Phone == "" && args.Email == "" {
		return nil, &domain.ValidationError{Field: "phone", Message: "phone or email is required"}
	}
	customers, err := t.b.SearchCustomers(ctx, call, args.Phone, args.Email)
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "customer": customers[0]}, nil
}

// create_support_ticket

type CreateTicketArgs struct {
	Subject     string `json:"subject" jsonschema_description:"Short summary of the issue"`
	Description string `json:"description" jsonschema_description:"Full description of the issue as told by the caller"`
	Priority    string `json:"priority" jsonschema:"enum=low,enum=medium,enum=high,enum=urgent"`
	Category    string `json:"category,omitempty" jsonschema_description:"Optional ticket category"`
}

type createTicket struct {
	b      Backend
	schema *jsonschema.Schema
}

func (t *createTicket) Name() string { return ToolCreateTicket }
func (t *createTicket) Description() string {
	return "Create a support ticket for the caller's issue."
}
func (t *createTicket) Schema() *jsonschema.Schema { return t.schema }

func (t *createTicket) Execute(ctx context.Context, call domain.CallContext, raw json.RawMessage) (any, error) {
	var args CreateTicketArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := t.b.CreateTicket(ctx, call, backend.Ticket{
		Subject:     args.Subject,
		Description: args.Description,
		Priority:    args.Priority,
		Category:    args.Category,
		CallerPhone: call.CallerNumber,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"created": true, "ticketId": id}, nil
}

// transfer_to_human

type TransferArgs struct {
	Extension string `json:"extension" jsonschema_description:"Internal extension of the human operator"`
	Reason    string `json:"reason" jsonschema_description:"Why the caller is being transferred"`
}

// Transfer is the sentinel result of transfer_to_human. The session routes it
// to the transport instead of treating it as an error.
type Transfer struct {
	Action    string `json:"action"`
	Extension string `json:"extension"`
	Reason    string `json:"reason"`
}

type transferToHuman struct {
	schema *jsonschema.Schema
}

func (t *transferToHuman) Name() string { return ToolTransferToHuman }
func (t *transferToHuman) Description() string {
	return "Transfer the caller to a human operator at the given extension."
}
func (t *transferToHuman) Schema() *jsonschema.Schema { return t.schema }

func (t *transferToHuman) Execute(_ context.Context, _ domain.CallContext, raw json.RawMessage) (any, error) {
	var args TransferArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Extension) == "" {
		return nil, &domain.ValidationError{Field: "extension", Message: "extension is required"}
	}
	return Transfer{Action: domain.FallbackTransfer, Extension: args.Extension, Reason: args.Reason}, nil
}

// IsTransfer extracts the transfer sentinel from a successful result.
func IsTransfer(res Result) (Transfer, bool) {
	if res.Failed || res.Tool != ToolTransferToHuman {
		return Transfer{}, false
	}
	var tr Transfer
	if err := json.Unmarshal(res.Output, &tr); err != nil || tr.Action != domain.FallbackTransfer || tr.Extension == "" {
		return Transfer{}, false
	}
	return tr, true
}

// book_appointment

type BookAppointmentArgs struct {
	Date    string `json:"date" jsonschema_description:"Appointment date, YYYY-MM-DD"`
	Time    string `json:"time" jsonschema_description:"Appointment time, HH:MM in the store's local time"`
	Service string `json:"service" jsonschema_description:"Requested service"`
	Notes   string `json:"notes,omitempty" jsonschema_description:"Anything the store should know in advance"`
}

type bookAppointment struct {
	b      Backend
	schema *jsonschema.Schema
}

func (t *bookAppointment) Name() string { return ToolBookAppointment }
func (t *bookAppointment) Description() string {
	return "Book a service appointment for the caller."
}
func (t *bookAppointment) Schema() *jsonschema.Schema { return t.schema }

func (t *bookAppointment) Execute(ctx context.Context, call domain.CallContext, raw json.RawMessage) (any, error) {
	var args BookAppointmentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	booking, err := t.b.BookAppointment(ctx, call, backend.Appointment{
		Date:        args.Date,
		Time:        args.Time,
		Service:     args.Service,
		Notes:       args.Notes,
		CallerPhone: call.CallerNumber,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"booked":        true,
		"appointmentId": booking.ID,
		"date":          args.Date,
		"time":          args.Time,
		"service":       args.Service,
	}
	if booking.ConfirmedAt != nil {
		out["confirmedAt"] = booking.ConfirmedAt
	}
	return out, nil
}

// search_offers

const (
	defaultOfferLimit = 5
	summaryResults    = 3
	summarySnippetLen = 160
)

type SearchOffersArgs struct {
	Query string `json:"query" jsonschema_description:"What the caller is looking for"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
}

type searchOffers struct {
	b      Backend
	schema *jsonschema.Schema
}

func (t *searchOffers) Name() string { return ToolSearchOffers }
func (t *searchOffers) Description() string {
	return "Search the store's current offers and knowledge base."
}
func (t *searchOffers) Schema() *jsonschema.Schema { return t.schema }

func (t *searchOffers) Execute(ctx context.Context, call domain.CallContext, raw json.RawMessage) (any, error) {
	var args SearchOffersArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = defaultOfferLimit
	}
	offers, err := t.b.SearchOffers(ctx, call, args.Query, args.Limit)
	if err != nil {
		return nil, err
	}
	if len(offers) > args.Limit {
		offers = offers[:args.Limit]
	}
	if offers == nil {
		offers = []backend.Offer{}
	}
	return map[string]any{"results": offers, "summary": summarizeOffers(offers)}, nil
}

// summarizeOffers renders the top results as a sentence the agent can read aloud.
func summarizeOffers(offers []backend.Offer) string {
	if len(offers) == 0 {
		return "No matching offers were found."
	}
	top := offers
	if len(top) > summaryResults {
		top = top[:summaryResults]
	}
	var b strings.Builder
	if len(offers) == 1 {
		b.WriteString("I found one result.")
	} else {
		fmt.Fprintf(&b, "I found %d results.", len(offers))
	}
	for i, o := range top {
		fmt.Fprintf(&b, " %d. %s", i+1, strings.TrimSpace(o.Title))
		if s := truncate(strings.TrimSpace(o.Snippet), summarySnippetLen); s != "" {
			b.WriteString(": ")
			b.WriteString(s)
		}
		if !strings.HasSuffix(b.String(), ".") {
			b.WriteString(".")
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
