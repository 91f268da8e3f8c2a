package models

import (
	"errors"
	"testing"
)

func TestOutcome(t *testing.T) {
	ok := Computed(17.3)
	if !ok.OK() || ok.Value != 17.3 {
		t.Errorf("Computed(17.3) = %+v, want OK value 17.3", ok)
	}

	reason := errors.New("no image")
	failed := Failed(reason)
	if failed.OK() {
		t.Error("Failed().OK() = true, want false")
	}
	if !errors.Is(failed.Err, reason) {
		t.Errorf("Failed().Err = %v, want %v", failed.Err, reason)
	}
	if failed.Value != SentinelCloudCover {
		t.Errorf("Failed().Value = %v, want %v", failed.Value, SentinelCloudCover)
	}
}
