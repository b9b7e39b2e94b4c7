package escrow

import (
	"math/big"
	"testing"
)

func TestNormalizeAsset(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "usdx", want: "USDX"},
		{in: "  XLM  ", want: "XLM"},
		{in: "A1", want: "A1"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "usd-x", wantErr: true},
		{in: "WAYTOOLONGSYMBOL1", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeAsset(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizeAsset(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeAsset(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeAsset(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStatusStringAndValidity(t *testing.T) {
	cases := map[Status]string{
		StatusPending:  "pending",
		StatusFunded:   "funded",
		StatusReleased: "released",
		StatusRefunded: "refunded",
		StatusDisputed: "disputed",
	}
	for status, want := range cases {
		if !status.Valid() {
			t.Fatalf("status %d should be valid", status)
		}
		if got := status.String(); got != want {
			t.Fatalf("status %d = %q, want %q", status, got, want)
		}
	}
	if Status(99).Valid() {
		t.Fatal("status 99 should be invalid")
	}
	if !StatusReleased.Terminal() || !StatusRefunded.Terminal() {
		t.Fatal("released and refunded are terminal")
	}
	if StatusFunded.Terminal() || StatusDisputed.Terminal() {
		t.Fatal("funded and disputed are not terminal")
	}
}

func TestSanitizeEscrow(t *testing.T) {
	base := func() *Escrow {
		return &Escrow{
			ID:       1,
			Client:   newTestAddress(0x01),
			Artisan:  newTestAddress(0x02),
			Asset:    "usdx",
			Amount:   big.NewInt(500),
			Deadline: 100,
			Status:   StatusPending,
		}
	}

	sanitized, err := SanitizeEscrow(base())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Asset != "USDX" {
		t.Fatalf("asset not canonicalised: %q", sanitized.Asset)
	}

	broken := base()
	broken.Artisan = broken.Client
	if _, err := SanitizeEscrow(broken); err == nil {
		t.Fatal("expected rejection of matching parties")
	}

	broken = base()
	broken.Amount = big.NewInt(0)
	if _, err := SanitizeEscrow(broken); err == nil {
		t.Fatal("expected rejection of zero amount")
	}

	broken = base()
	broken.Status = Status(42)
	if _, err := SanitizeEscrow(broken); err == nil {
		t.Fatal("expected rejection of unknown status")
	}

	if _, err := SanitizeEscrow(nil); err == nil {
		t.Fatal("expected rejection of nil escrow")
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := &Escrow{ID: 7, Asset: "USDX", Amount: big.NewInt(500)}
	clone := original.Clone()
	clone.Amount.SetInt64(1)
	if original.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatal("clone shares amount with original")
	}
}
