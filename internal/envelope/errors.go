package envelope

import "fmt"

var errEmptyCipher = fmt.Errorf("envelope: cipher field is empty")

func errWrongLength(field string, want, got int) error {
	return fmt.Errorf("envelope: field %q has length %d, want %d", field, got, want)
}

func errUnknownType(t string) error {
	return fmt.Errorf("envelope: unknown type %q", t)
}
