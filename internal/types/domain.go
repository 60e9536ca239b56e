package types

// Event kinds used by the marketplace. Values are fixed; new kinds are only
// ever added.
const (
	KindProfile        = 0
	KindShortNote      = 1
	KindDirectMessage  = 4
	KindServiceListing = 30023
	KindServiceRequest = 30024
	KindTradeOffer     = 30025
	KindReputation     = 30026
)

// DefaultCurrency is the unit listings and requests are priced in
const DefaultCurrency = "LETS_CREDITS"

// Object is one of the domain payloads carried by an event.
// The set of implementations is closed: ServiceListing, ServiceRequest,
// TradeOffer, Reputation, Profile, DirectMessage and Note.
type Object interface {
	Kind() int
	isObject()
}

// ServiceListing advertises a service (kind 30023)
type ServiceListing struct {
	ID            string   `json:"-"` // d-tag
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Price         float64  `json:"price"`
	Currency      string   `json:"currency"`
	Location      string   `json:"location"`
	Tags          []string `json:"tags"`
	ContactMethod string   `json:"contact_method,omitempty"`
}

// ServiceRequest asks for a service (kind 30024)
type ServiceRequest struct {
	ID          string  `json:"-"` // d-tag
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Budget      float64 `json:"budget"`
	Currency    string  `json:"currency"`
	Deadline    string  `json:"deadline,omitempty"`
	Location    string  `json:"location"`
}

// TradeStatus is the lifecycle position of a trade offer
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeRejected  TradeStatus = "rejected"
	TradeCompleted TradeStatus = "completed"
)

// Valid reports whether s is one of the known statuses
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradeAccepted, TradeRejected, TradeCompleted:
		return true
	}
	return false
}

// TradeOffer proposes or updates a trade against a listing (kind 30025)
type TradeOffer struct {
	ID           string      `json:"-"` // d-tag
	ServiceID    string      `json:"service_id"`
	ProviderKey  string      `json:"provider_pubkey"`
	RequesterKey string      `json:"requester_pubkey"`
	Amount       float64     `json:"amount"`
	Terms        string      `json:"terms"`
	Escrow       bool        `json:"escrow"`
	Status       TradeStatus `json:"status"`
}

// Reputation rates the counterparty of a trade (kind 30026)
type Reputation struct {
	ID             string  `json:"-"` // d-tag
	TradeID        string  `json:"trade_id"`
	RatedKey       string  `json:"rated_pubkey"`
	Rating         int     `json:"rating"`
	Review         string  `json:"review"`
	TradeAmount    float64 `json:"trade_amount"`
	CompletionTime string  `json:"completion_time,omitempty"`
}

// Profile is the user metadata (kind 0)
type Profile struct {
	Name                  string   `json:"name"`
	About                 string   `json:"about"`
	Picture               string   `json:"picture,omitempty"`
	Nip05                 string   `json:"nip05,omitempty"`
	Lud16                 string   `json:"lud16,omitempty"`
	Skills                []string `json:"skills"`
	Location              string   `json:"location,omitempty"`
	SovereignCitizenSince string   `json:"sovereign_citizen_since,omitempty"`
	LetsReputation        *float64 `json:"lets_reputation,omitempty"`
}

// DirectMessage is a private message (kind 4). Content is plaintext here;
// the codec encrypts it on the wire when it has a cipher.
type DirectMessage struct {
	Sender    string
	Recipient string
	Content   string
}

// Note is a short text post (kind 1)
type Note struct {
	Content  string
	Hashtags []string
}

func (ServiceListing) Kind() int { return KindServiceListing }
func (ServiceRequest) Kind() int { return KindServiceRequest }
func (TradeOffer) Kind() int     { return KindTradeOffer }
func (Reputation) Kind() int     { return KindReputation }
func (Profile) Kind() int        { return KindProfile }
func (DirectMessage) Kind() int  { return KindDirectMessage }
func (Note) Kind() int           { return KindShortNote }

func (ServiceListing) isObject() {}
func (ServiceRequest) isObject() {}
func (TradeOffer) isObject()     {}
func (Reputation) isObject()     {}
func (Profile) isObject()        {}
func (DirectMessage) isObject()  {}
func (Note) isObject()           {}
