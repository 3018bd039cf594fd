package framer

import "fmt"

func errFrameTooLarge(n uint32) error {
	return fmt.Errorf("framer: frame length %d exceeds maximum %d", n, maxFrameLength)
}
