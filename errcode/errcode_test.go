package errcode

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]error{
		"busy":               Busy,
		"invalid_params":     InvalidParams,
		"not_enabled":        NotEnabled,
		"already_registered": AlreadyRegistered,
		"no_data":            NoData,
		"nack":               Nack,
		"wedged":             Wedged,
		"error":              Error,
	}
	for want, e := range cases {
		if e == nil || e.Error() != want {
			t.Fatalf("error %q mismatch: got %#v", want, e)
		}
	}
}

func TestOfSeesThroughWrapping(t *testing.T) {
	if got := Of(nil); got != OK {
		t.Fatalf("Of(nil)=%q", got)
	}
	if got := Of(errors.Wrap(Wedged, "uart0 sleep")); got != Wedged {
		t.Fatalf("wrapped code: got %q", got)
	}
	e := &E{C: Nack, Op: "i2c0 write", Err: errors.New("arbitration lost")}
	if got := Of(errors.Wrap(e, "bus tx")); got != Nack {
		t.Fatalf("wrapped E: got %q", got)
	}
	if e.Error() != "i2c0 write: nack" {
		t.Fatalf("E.Error()=%q", e.Error())
	}
	if got := Of(errors.New("plain")); got != Error {
		t.Fatalf("plain error: got %q", got)
	}
}

func TestResultOf(t *testing.T) {
	if ResultOf(nil) != Success {
		t.Fatal("nil should be Success")
	}
	if ResultOf(NoData) != Neutral {
		t.Fatal("NoData should be Neutral")
	}
	if ResultOf(errors.Wrap(Nack, "x")) != Failure {
		t.Fatal("Nack should be Failure")
	}
}
