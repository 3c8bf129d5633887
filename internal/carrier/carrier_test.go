package carrier

import "testing"

func TestDefaultPermanentCodes(t *testing.T) {
	permanent := []string{"21211", "21214", "21408", "21610", "30007", "30008"}
	for _, code := range permanent {
		if !DefaultPermanent(code) {
			t.Errorf("Expected %s to be permanent", code)
		}
	}

	transient := []string{"20429", "30001", "", CodeTimeout, "nonsense"}
	for _, code := range transient {
		if DefaultPermanent(code) {
			t.Errorf("Expected %s to be transient", code)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Code: "21211", Message: "invalid recipient"}
	want := "carrier error 21211: invalid recipient"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
