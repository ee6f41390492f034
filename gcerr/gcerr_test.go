package gcerr

import (
	"testing"
)

func TestDerivedErrorsMatchSentinel(t *testing.T) {
	err := New(ErrForbiddenOperation, Stamp(7), Pkg("dispatch"))
	if !IsForbiddenOperation(err) {
		t.Errorf("IsForbiddenOperation(%v) = false, want true", err)
	}
	if IsStampOutOfRange(err) {
		t.Errorf("IsStampOutOfRange(%v) = true, want false", err)
	}
}

func TestInvalid(t *testing.T) {
	err := Invalid("type %q: bad size %d", "Foo", -1)
	if !IsInvalidManifest(err) {
		t.Errorf("IsInvalidManifest(%v) = false, want true", err)
	}
}

func TestAbortPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Abort did not panic")
		}
	}()
	Abort(New(ErrRootTableInconsistency))
}

func TestAbortNil(t *testing.T) {
	Abort(nil)
}
