package carrier

import (
	"strconv"
	"strings"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/types"
)

// Wire shapes mirror the carrier's JSON envelopes. Everything outside this
// file works with the normalized types.

type shipmentWire struct {
	Account  string          `json:"account"`
	Shipment ShipmentRequest `json:"shipment"`
}

type wireCharge struct {
	Type     string `json:"type"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type wirePackage struct {
	TrackingNumber string `json:"trackingNumber"`
	LabelImage     string `json:"labelImage,omitempty"`
	LabelFormat    string `json:"labelFormat,omitempty"`
}

type shipmentEnvelope struct {
	ShipmentResponse struct {
		ShipmentID string        `json:"shipmentId"`
		Packages   []wirePackage `json:"packages"`
		Charges    []wireCharge  `json:"charges"`
		Total      wireCharge    `json:"totalCharges"`
	} `json:"shipmentResponse"`
}

func (e *shipmentEnvelope) normalize() (*ShipmentResult, error) {
	sr := e.ShipmentResponse
	out := &ShipmentResult{ShipmentID: sr.ShipmentID}

	for _, p := range sr.Packages {
		tn := strings.TrimSpace(p.TrackingNumber)
		if tn == "" {
			continue
		}
		out.TrackingNumbers = append(out.TrackingNumbers, tn)
		if out.LabelBase64 == "" && p.LabelImage != "" {
			out.LabelBase64 = p.LabelImage
			out.LabelFormat = p.LabelFormat
		}
	}
	if len(out.TrackingNumbers) == 0 {
		return nil, apperr.Carrier(apperr.CodeCarrierUnknown, "carrier response missing tracking number")
	}

	total, err := minorUnits(sr.Total.Amount)
	if err != nil {
		return nil, apperr.Carrier(apperr.CodeCarrierUnknown, "carrier response malformed total charge").WithCause(err)
	}
	out.TotalMinorUnits = total
	out.Currency = strings.ToUpper(strings.TrimSpace(sr.Total.Currency))
	if out.Currency == "" {
		out.Currency = "USD"
	}

	out.Breakdown = types.ChargeBreakdown{Currency: out.Currency}
	for _, ch := range sr.Charges {
		amt, aErr := minorUnits(ch.Amount)
		if aErr != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ch.Type)) {
		case "duties", "taxes", "duties_and_taxes", "dutiestaxes":
			out.Breakdown.DutiesTaxMinorUnits += amt
		default:
			out.Breakdown.TransportationMinorUnits += amt
		}
	}
	if out.Breakdown.TransportationMinorUnits == 0 && out.Breakdown.DutiesTaxMinorUnits == 0 {
		out.Breakdown.TransportationMinorUnits = total
	}
	return out, nil
}

type rateWire struct {
	Account string      `json:"account"`
	Rate    RateRequest `json:"rate"`
}

type rateEnvelope struct {
	RateResponse struct {
		RatedShipments []struct {
			ServiceCode string     `json:"serviceCode"`
			ServiceName string     `json:"serviceName"`
			Total       wireCharge `json:"totalCharges"`
		} `json:"ratedShipments"`
	} `json:"rateResponse"`
}

func (e *rateEnvelope) normalize() []Rate {
	out := make([]Rate, 0, len(e.RateResponse.RatedShipments))
	for _, rs := range e.RateResponse.RatedShipments {
		amt, err := minorUnits(rs.Total.Amount)
		if err != nil {
			continue
		}
		currency := strings.ToUpper(strings.TrimSpace(rs.Total.Currency))
		if currency == "" {
			currency = "USD"
		}
		out = append(out, Rate{
			ServiceCode:     rs.ServiceCode,
			ServiceName:     rs.ServiceName,
			TotalMinorUnits: amt,
			Currency:        currency,
		})
	}
	return out
}

type addressEnvelope struct {
	ValidationResponse struct {
		Verdict    string          `json:"verdict"`
		Candidates []types.Address `json:"candidates"`
	} `json:"validationResponse"`
}

func (e *addressEnvelope) normalize() *AddressValidation {
	verdict := AddressVerdict(strings.ToLower(strings.TrimSpace(e.ValidationResponse.Verdict)))
	switch verdict {
	case AddressValid, AddressAmbiguous, AddressInvalid:
	default:
		verdict = AddressInvalid
	}
	return &AddressValidation{
		Verdict:    verdict,
		Candidates: e.ValidationResponse.Candidates,
	}
}

// minorUnits parses a decimal money string ("10.50") into integer minor
// units (1050). Fractions beyond two places are rejected rather than
// rounded.
func minorUnits(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, nil
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		return 0, strconv.ErrSyntax
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return v, nil
}
