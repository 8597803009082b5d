// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dispatch

import (
	"encoding/pem"
	"io/ioutil"

	pe "github.com/saferwall/pesign"
)

// writeExport writes der to path, PEM-armored under blockType when
// asciiArmor is set, otherwise as raw bytes - the --ascii-armor behavior
// shared by every --export-* action.
func writeExport(path string, der []byte, blockType string, asciiArmor bool) error {
	out := der
	if asciiArmor {
		out = pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	}
	if err := ioutil.WriteFile(path, out, 0644); err != nil {
		return wrapErr(pe.KindIOFailure, "dispatch.writeExport", err)
	}
	return nil
}

// decodeMaybeArmored returns the DER payload of raw: PEM-decoded if raw is
// armored, unchanged otherwise. Used by the import actions so a signature or
// signed-attributes blob saved with --ascii-armor can be fed straight back
// in without the caller tracking how it was exported.
func decodeMaybeArmored(raw []byte) []byte {
	if block, _ := pem.Decode(raw); block != nil {
		return block.Bytes
	}
	return raw
}
