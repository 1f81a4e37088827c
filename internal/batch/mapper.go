package batch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/types"
)

// maxAddressLineLen mirrors the carrier's field limit; longer lines are
// rejected here rather than bounced by the carrier mid-batch.
const maxAddressLineLen = 35

// BuildShipmentRequest maps a row's order snapshot plus the resolved
// shipper onto a carrier request. The mapping is total: a missing
// structural field fails the row before any carrier call.
func BuildShipmentRequest(snapshotJSON []byte, shipper types.Address) (*carrier.ShipmentRequest, error) {
	if len(snapshotJSON) == 0 {
		return nil, apperr.Data(apperr.CodeMissingRequiredField, "row has no order snapshot")
	}
	var snapshot types.OrderSnapshot
	if err := json.Unmarshal(snapshotJSON, &snapshot); err != nil {
		return nil, apperr.Data(apperr.CodeWrongFieldType, "order snapshot is not valid JSON").WithCause(err)
	}
	if err := validateOrder(snapshot, shipper); err != nil {
		return nil, err
	}
	return &carrier.ShipmentRequest{
		Shipper:                 shipper,
		Recipient:               snapshot.Recipient,
		ServiceCode:             snapshot.ServiceCode,
		WeightGrams:             snapshot.WeightGrams,
		LengthCm:                snapshot.LengthCm,
		WidthCm:                 snapshot.WidthCm,
		HeightCm:                snapshot.HeightCm,
		DeclaredValueMinorUnits: snapshot.DeclaredValueMinorUnits,
		Currency:                snapshot.Currency,
		HSCode:                  snapshot.HSCode,
		ContentsDescription:     snapshot.ContentsDescription,
		Reference:               snapshot.Reference,
	}, nil
}

func validateOrder(o types.OrderSnapshot, shipper types.Address) error {
	rcpt := o.Recipient
	if strings.TrimSpace(rcpt.Name) == "" {
		return apperr.Data(apperr.CodeMissingRequiredField, "recipient name is required").WithColumn("recipient_name")
	}
	if strings.TrimSpace(rcpt.AddressLine1) == "" {
		return apperr.Data(apperr.CodeMissingRequiredField, "recipient address line is required").WithColumn("address_line1")
	}
	if len(rcpt.AddressLine1) > maxAddressLineLen || len(rcpt.AddressLine2) > maxAddressLineLen {
		return apperr.Validation(apperr.CodeAddressTooLong,
			fmt.Sprintf("address line exceeds %d characters", maxAddressLineLen)).WithColumn("address_line1")
	}
	if strings.TrimSpace(rcpt.City) == "" {
		return apperr.Data(apperr.CodeMissingRequiredField, "recipient city is required").WithColumn("city")
	}
	if strings.TrimSpace(rcpt.CountryCode) == "" {
		return apperr.Data(apperr.CodeMissingRequiredField, "recipient country is required").WithColumn("country_code")
	}
	if rcpt.CountryCode == "US" {
		if !validUSZip(rcpt.PostalCode) {
			return apperr.Validation(apperr.CodeInvalidZip,
				fmt.Sprintf("%q is not a valid US ZIP code", rcpt.PostalCode)).WithColumn("postal_code")
		}
		if len(strings.TrimSpace(rcpt.State)) != 2 {
			return apperr.Validation(apperr.CodeInvalidState,
				fmt.Sprintf("%q is not a two-letter state code", rcpt.State)).WithColumn("state")
		}
	}
	if strings.TrimSpace(o.ServiceCode) == "" {
		return apperr.Data(apperr.CodeMissingRequiredField, "service code is required").WithColumn("service_code")
	}
	if o.WeightGrams <= 0 {
		return apperr.Validation(apperr.CodeInvalidWeight, "weight must be positive").WithColumn("weight")
	}

	if o.International(shipper.CountryCode) {
		switch {
		case o.DeclaredValueMinorUnits <= 0:
			return apperr.Validation(apperr.CodeInternationalMissing,
				"international shipment requires a declared value").WithColumn("declared_value")
		case strings.TrimSpace(o.ContentsDescription) == "":
			return apperr.Validation(apperr.CodeInternationalMissing,
				"international shipment requires a contents description").WithColumn("contents_description")
		case strings.TrimSpace(o.Currency) == "":
			return apperr.Validation(apperr.CodeInternationalMissing,
				"international shipment requires a currency").WithColumn("currency")
		}
		if o.HSCode != "" && !validHSCode(o.HSCode) {
			return apperr.Validation(apperr.CodeInvalidHSCode,
				fmt.Sprintf("%q is not a valid HS code", o.HSCode)).WithColumn("hs_code")
		}
	}
	return nil
}

func validUSZip(zip string) bool {
	z := strings.TrimSpace(zip)
	if len(z) == 10 && z[5] == '-' {
		z = z[:5] + z[6:]
	}
	if len(z) != 5 && len(z) != 9 {
		return false
	}
	for _, r := range z {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validHSCode(code string) bool {
	c := strings.ReplaceAll(strings.TrimSpace(code), ".", "")
	if len(c) < 6 || len(c) > 10 {
		return false
	}
	for _, r := range c {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
