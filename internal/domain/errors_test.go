package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	err := E(KindBusy, "capture.CaptureBlock", "capture already in progress")

	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected errors.Is match on kind")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("kinds must not cross-match")
	}
}

func TestErrorWrapPreservesChain(t *testing.T) {
	inner := errors.New("usb handle lost")
	err := Wrap(KindDriver, "simdrv.RunBlock", inner)

	if !errors.Is(err, ErrDriver) {
		t.Fatalf("expected driver kind")
	}
	if !errors.Is(err, inner) {
		t.Fatalf("expected the wrapped cause to stay reachable")
	}

	var de *Error
	if !errors.As(err, &de) || de.Op != "simdrv.RunBlock" {
		t.Fatalf("errors.As failed: %+v", de)
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := E(KindConfiguration, "channels.Set", "range %gV not supported", 0.3)
	want := "channels.Set: configuration_error: range 0.3V not supported"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(KindDriver, "", errors.New("boom"))
	if wrapped.Error() != "driver_error: boom" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(E(KindPowerSource, "open", "unpowered")); got != KindPowerSource {
		t.Fatalf("got %s", got)
	}
	// tagged errors stay identifiable through plain fmt wrapping
	deep := fmt.Errorf("open device: %w", E(KindNotFound, "enumerate", "none attached"))
	if got := KindOf(deep); got != KindNotFound {
		t.Fatalf("got %s", got)
	}
	if got := KindOf(errors.New("opaque")); got != KindDriver {
		t.Fatalf("untagged errors should default to driver, got %s", got)
	}
}
