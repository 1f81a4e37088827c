package types

// Address is the serialized shipper/recipient form embedded in job and row
// snapshots and sent to the carrier mapping layer.
type Address struct {
	Name         string `json:"name"`
	Company      string `json:"company,omitempty"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	CountryCode  string `json:"country_code"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
}

// OrderSnapshot is the immutable copy of one source row taken at job
// creation. The engine maps it to a carrier request; the original source
// is never re-read during execution.
type OrderSnapshot struct {
	OrderID                 string  `json:"order_id,omitempty"`
	Recipient               Address `json:"recipient"`
	ServiceCode             string  `json:"service_code"`
	WeightGrams             int64   `json:"weight_grams"`
	LengthCm                float64 `json:"length_cm,omitempty"`
	WidthCm                 float64 `json:"width_cm,omitempty"`
	HeightCm                float64 `json:"height_cm,omitempty"`
	DeclaredValueMinorUnits int64   `json:"declared_value_minor_units,omitempty"`
	Currency                string  `json:"currency,omitempty"`
	HSCode                  string  `json:"hs_code,omitempty"`
	ContentsDescription     string  `json:"contents_description,omitempty"`
	Reference               string  `json:"reference,omitempty"`
}

// International reports whether the order ships across a customs border
// relative to the shipper country.
func (o OrderSnapshot) International(shipperCountry string) bool {
	if o.Recipient.CountryCode == "" || shipperCountry == "" {
		return false
	}
	return o.Recipient.CountryCode != shipperCountry
}

// ChargeBreakdown splits a shipment's total into its canonical parts, in
// minor currency units.
type ChargeBreakdown struct {
	TransportationMinorUnits int64  `json:"transportation_minor_units"`
	DutiesTaxMinorUnits      int64  `json:"duties_tax_minor_units"`
	Currency                 string `json:"currency"`
}
