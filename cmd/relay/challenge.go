package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// renderChallenge prints a device-link URI as a terminal QR code for
// the phone to scan, followed by the raw URI.
func renderChallenge(w io.Writer, uri string) error {
	qr, err := qrcode.New(uri, qrcode.Low)
	if err != nil {
		return fmt.Errorf("render link QR: %w", err)
	}
	fmt.Fprintln(w, "Scan with Signal on your phone (Settings > Linked devices):")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, uri)
	return nil
}
