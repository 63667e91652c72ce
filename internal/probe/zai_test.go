package probe

import "testing"

func TestParseZaiQuota(t *testing.T) {
	body := []byte(`{"data": {"limits": [
		{"type": "TOKENS_LIMIT", "unit": 3, "number": 5, "percentage": 40},
		{"type": "TOKENS_LIMIT", "unit": 1, "number": 1, "used": 30, "total": 120},
		{"type": "TIME_LIMIT",   "unit": 1, "number": 30, "percentage": 10},
		{"type": "SOMETHING_NEW", "unit": 3, "number": 5, "percentage": 99}
	]}}`)

	snap := parseZaiQuota(body, "env")
	if snap.Err != "" {
		t.Fatalf("unexpected error: %s", snap.Err)
	}
	if len(snap.Windows) != 3 {
		t.Fatalf("unknown limit types must be ignored: %+v", snap.Windows)
	}

	if w := snap.Windows[0]; w.Label != "Tokens (5h)" || w.UsedPercent != 40 {
		t.Fatalf("unit 3 is hours: %+v", w)
	}
	if w := snap.Windows[1]; w.Label != "Tokens (1d)" || w.UsedPercent != 25 {
		t.Fatalf("unit 1 is days, used/total fallback: %+v", w)
	}
	if w := snap.Windows[2]; w.Label != "Monthly" || w.UsedPercent != 10 {
		t.Fatalf("TIME_LIMIT is the monthly window: %+v", w)
	}
}

func TestParseZaiQuotaMinutesUnit(t *testing.T) {
	body := []byte(`{"limits": [{"type": "TOKENS_LIMIT", "unit": 5, "number": 30, "percentage": 5}]}`)
	snap := parseZaiQuota(body, "env")
	if len(snap.Windows) != 1 || snap.Windows[0].Label != "Tokens (30m)" {
		t.Fatalf("unit 5 is minutes, top-level limits accepted: %+v", snap.Windows)
	}
}

func TestParseZaiQuotaUnknownUnitSkipped(t *testing.T) {
	body := []byte(`{"data": {"limits": [{"type": "TOKENS_LIMIT", "unit": 7, "number": 1, "percentage": 5}]}}`)
	snap := parseZaiQuota(body, "env")
	if snap.Err != ErrNoQuotaData {
		t.Fatalf("unknown unit on the only limit leaves no data: %+v", snap)
	}
}
