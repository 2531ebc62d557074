package models

// RawListing is what a site adapter extracts from one detail page. Numeric slots
// carry the page text as-is; the merge engine coerces them.
type RawListing struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Link       string `json:"link"`

	Title       *string `json:"title,omitempty"`
	Price       *string `json:"price,omitempty"`
	Area        *string `json:"area,omitempty"`
	Floor       *string `json:"floor,omitempty"`
	TotalFloors *string `json:"total_floors,omitempty"`
	Address     *string `json:"address,omitempty"`
	Street      *string `json:"street,omitempty"`
	HouseNumber *string `json:"house_number,omitempty"`
	District    *string `json:"district,omitempty"`
	Category    *string `json:"category,omitempty"`
	Status      *string `json:"status,omitempty"`
	Layout      *string `json:"layout,omitempty"`
	Material    *string `json:"material,omitempty"`
	LivingArea  *string `json:"living_area,omitempty"`
	KitchenArea *string `json:"kitchen_area,omitempty"`
	Balcony     *string `json:"balcony,omitempty"`
	Corner      *string `json:"corner,omitempty"`
	Condition   *string `json:"condition,omitempty"`
	YearBuilt   *string `json:"year_built,omitempty"`
	SellerPhone *string `json:"seller_phone,omitempty"`
	Description *string `json:"description,omitempty"`

	Images []RawImage `json:"-"`
}

type RawImage struct {
	Filename string
	MimeType string
	Data     []byte
}

// Event is a progress notification from an adapter or the merge engine.
// Progress is the fraction of the current phase done, in [0, 1].
type Event struct {
	Message  string
	Task     string
	Error    bool
	Progress float64
}
