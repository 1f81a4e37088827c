package carrier

import "github.com/draymark/shipflow-backend/internal/types"

// ShipmentRequest is the canonical carrier request the mapping layer
// produces from an order snapshot plus the resolved shipper.
type ShipmentRequest struct {
	Shipper     types.Address `json:"shipper"`
	Recipient   types.Address `json:"recipient"`
	ServiceCode string        `json:"service_code"`
	WeightGrams int64         `json:"weight_grams"`
	LengthCm    float64       `json:"length_cm,omitempty"`
	WidthCm     float64       `json:"width_cm,omitempty"`
	HeightCm    float64       `json:"height_cm,omitempty"`

	// Customs fields, required for international lanes.
	DeclaredValueMinorUnits int64  `json:"declared_value_minor_units,omitempty"`
	Currency                string `json:"currency,omitempty"`
	HSCode                  string `json:"hs_code,omitempty"`
	ContentsDescription     string `json:"contents_description,omitempty"`

	Reference string `json:"reference,omitempty"`
}

// ShipmentResult is the normalized outcome of CreateShipment with the
// carrier envelope stripped. Monetary values are minor units.
type ShipmentResult struct {
	ShipmentID      string                `json:"shipment_id"`
	TrackingNumbers []string              `json:"tracking_numbers"`
	LabelBase64     string                `json:"label_base64,omitempty"`
	LabelFormat     string                `json:"label_format,omitempty"`
	TotalMinorUnits int64                 `json:"total_minor_units"`
	Currency        string                `json:"currency"`
	Breakdown       types.ChargeBreakdown `json:"breakdown"`
}

// Tracking returns the lead tracking number.
func (r *ShipmentResult) Tracking() string {
	if r == nil || len(r.TrackingNumbers) == 0 {
		return ""
	}
	return r.TrackingNumbers[0]
}

type RateRequest struct {
	Shipper     types.Address `json:"shipper"`
	Recipient   types.Address `json:"recipient"`
	ServiceCode string        `json:"service_code,omitempty"`
	WeightGrams int64         `json:"weight_grams"`
}

type Rate struct {
	ServiceCode     string `json:"service_code"`
	ServiceName     string `json:"service_name,omitempty"`
	TotalMinorUnits int64  `json:"total_minor_units"`
	Currency        string `json:"currency"`
}

type AddressVerdict string

const (
	AddressValid     AddressVerdict = "valid"
	AddressAmbiguous AddressVerdict = "ambiguous"
	AddressInvalid   AddressVerdict = "invalid"
)

type AddressValidation struct {
	Verdict    AddressVerdict  `json:"verdict"`
	Candidates []types.Address `json:"candidates,omitempty"`
}

// TrackedShipment is the recovery-path lookup result for a shipment the
// carrier may or may not have on file.
type TrackedShipment struct {
	Found           bool                  `json:"found"`
	ShipmentID      string                `json:"shipment_id,omitempty"`
	TrackingNumbers []string              `json:"tracking_numbers,omitempty"`
	LabelBase64     string                `json:"label_base64,omitempty"`
	TotalMinorUnits int64                 `json:"total_minor_units,omitempty"`
	Currency        string                `json:"currency,omitempty"`
	Breakdown       types.ChargeBreakdown `json:"breakdown,omitempty"`
}
