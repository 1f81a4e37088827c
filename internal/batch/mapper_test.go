package batch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/types"
)

func usShipper() types.Address {
	return types.Address{
		Name:         "Warehouse",
		AddressLine1: "1 Dock Way",
		City:         "Columbus",
		State:        "OH",
		PostalCode:   "43004",
		CountryCode:  "US",
	}
}

func validOrder() types.OrderSnapshot {
	return types.OrderSnapshot{
		Recipient: types.Address{
			Name:         "Jordan Diaz",
			AddressLine1: "200 Elm St",
			City:         "Denver",
			State:        "CO",
			PostalCode:   "80202",
			CountryCode:  "US",
		},
		ServiceCode: "GROUND",
		WeightGrams: 500,
	}
}

func marshalOrder(t *testing.T, o types.OrderSnapshot) []byte {
	t.Helper()
	raw, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	return raw
}

func TestBuildShipmentRequestHappyPath(t *testing.T) {
	req, err := BuildShipmentRequest(marshalOrder(t, validOrder()), usShipper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Recipient.Name != "Jordan Diaz" {
		t.Fatalf("recipient not mapped: %+v", req.Recipient)
	}
	if req.ServiceCode != "GROUND" || req.WeightGrams != 500 {
		t.Fatalf("service/weight not mapped: %+v", req)
	}
	if req.Shipper.CountryCode != "US" {
		t.Fatalf("shipper not attached: %+v", req.Shipper)
	}
}

func TestBuildShipmentRequestValidation(t *testing.T) {
	mutate := func(fn func(*types.OrderSnapshot)) types.OrderSnapshot {
		o := validOrder()
		fn(&o)
		return o
	}

	cases := []struct {
		name     string
		order    types.OrderSnapshot
		wantCode string
	}{
		{
			name:     "missing recipient name",
			order:    mutate(func(o *types.OrderSnapshot) { o.Recipient.Name = "" }),
			wantCode: apperr.CodeMissingRequiredField,
		},
		{
			name:     "missing address line",
			order:    mutate(func(o *types.OrderSnapshot) { o.Recipient.AddressLine1 = "  " }),
			wantCode: apperr.CodeMissingRequiredField,
		},
		{
			name: "address too long",
			order: mutate(func(o *types.OrderSnapshot) {
				o.Recipient.AddressLine1 = "a very long address line that blows past the carrier limit"
			}),
			wantCode: apperr.CodeAddressTooLong,
		},
		{
			name:     "bad zip",
			order:    mutate(func(o *types.OrderSnapshot) { o.Recipient.PostalCode = "8O2O2" }),
			wantCode: apperr.CodeInvalidZip,
		},
		{
			name:     "bad state",
			order:    mutate(func(o *types.OrderSnapshot) { o.Recipient.State = "Colorado" }),
			wantCode: apperr.CodeInvalidState,
		},
		{
			name:     "missing service",
			order:    mutate(func(o *types.OrderSnapshot) { o.ServiceCode = "" }),
			wantCode: apperr.CodeMissingRequiredField,
		},
		{
			name:     "zero weight",
			order:    mutate(func(o *types.OrderSnapshot) { o.WeightGrams = 0 }),
			wantCode: apperr.CodeInvalidWeight,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildShipmentRequest(marshalOrder(t, tc.order), usShipper())
			if err == nil {
				t.Fatal("expected error")
			}
			var ae *apperr.AppError
			if !errors.As(err, &ae) {
				t.Fatalf("expected AppError, got %T", err)
			}
			if ae.Code != tc.wantCode {
				t.Fatalf("code: want=%s got=%s", tc.wantCode, ae.Code)
			}
		})
	}
}

func TestBuildShipmentRequestInternational(t *testing.T) {
	intl := validOrder()
	intl.Recipient.CountryCode = "CA"
	intl.Recipient.State = "ON"
	intl.Recipient.PostalCode = "M5V 2T6"

	_, err := BuildShipmentRequest(marshalOrder(t, intl), usShipper())
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeInternationalMissing {
		t.Fatalf("expected %s for missing customs fields, got %v", apperr.CodeInternationalMissing, err)
	}

	intl.DeclaredValueMinorUnits = 2500
	intl.ContentsDescription = "ceramic mug"
	intl.Currency = "USD"
	req, err := BuildShipmentRequest(marshalOrder(t, intl), usShipper())
	if err != nil {
		t.Fatalf("customs-complete international order should map: %v", err)
	}
	if req.DeclaredValueMinorUnits != 2500 || req.Currency != "USD" {
		t.Fatalf("customs fields not mapped: %+v", req)
	}

	intl.HSCode = "not-a-code"
	_, err = BuildShipmentRequest(marshalOrder(t, intl), usShipper())
	if !errors.As(err, &ae) || ae.Code != apperr.CodeInvalidHSCode {
		t.Fatalf("expected %s, got %v", apperr.CodeInvalidHSCode, err)
	}

	intl.HSCode = "6912.00"
	if _, err := BuildShipmentRequest(marshalOrder(t, intl), usShipper()); err != nil {
		t.Fatalf("dotted HS code should pass: %v", err)
	}
}

func TestBuildShipmentRequestEmptySnapshot(t *testing.T) {
	_, err := BuildShipmentRequest(nil, usShipper())
	var ae *apperr.AppError
	if !errors.As(err, &ae) || ae.Code != apperr.CodeMissingRequiredField {
		t.Fatalf("expected %s, got %v", apperr.CodeMissingRequiredField, err)
	}
}
