// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package dispatch interprets a requested action set, sequences the pe/cms/
// identity components against it, and enforces the preconditions common to
// every operation (in-place rejection, output-exists checks, ordering of
// identity resolution ahead of destructive work).
package dispatch

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io/ioutil"
	"os"

	pe "github.com/saferwall/pesign"
	"github.com/saferwall/pesign/cms"
	"github.com/saferwall/pesign/identity"
)

// Action is one bit of the Operation Descriptor's action mask.
type Action uint32

// The fifteen recognized actions. Bit positions are insertion order only;
// no significance attaches to the numeric values beyond uniqueness.
const (
	ActionHash Action = 1 << iota
	ActionSign
	ActionImportRawSignature
	ActionImportSignature
	ActionImportSignedAttributes
	ActionExportSignedAttributes
	ActionExportSignature
	ActionExportPubkey
	ActionExportCert
	ActionRemoveSignature
	ActionListSignatures
	ActionShowSignature
	ActionPrintDigest
	ActionDaemonize
	ActionNoFork
)

var actionNames = map[Action]string{
	ActionHash:                   "hash",
	ActionSign:                   "sign",
	ActionImportRawSignature:     "import-raw-signature",
	ActionImportSignature:        "import-signature",
	ActionImportSignedAttributes: "import-signed-attributes",
	ActionExportSignedAttributes: "export-signed-attributes",
	ActionExportSignature:        "export-signature",
	ActionExportPubkey:           "export-pubkey",
	ActionExportCert:             "export-cert",
	ActionRemoveSignature:        "remove-signature",
	ActionListSignatures:         "list-signatures",
	ActionShowSignature:          "show-signature",
	ActionPrintDigest:            "print-digest",
	ActionDaemonize:              "daemonize",
	ActionNoFork:                 "nofork",
}

func (a Action) String() string {
	var names []string
	for bit, name := range actionNames {
		if a&bit != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	s := names[0]
	for _, n := range names[1:] {
		s += "|" + n
	}
	return s
}

// legalCombinations lists every action_mask accepted besides a single bit
// on its own. Any other multi-bit mask fails IncompatibleFlags.
var legalCombinations = []Action{
	ActionImportRawSignature | ActionImportSignedAttributes,
	ActionExportSignature | ActionSign,
	ActionImportSignature | ActionSign,
	ActionHash | ActionPrintDigest,
}

func isSingleBit(a Action) bool {
	return a != 0 && a&(a-1) == 0
}

func isLegal(mask Action) bool {
	if mask == 0 {
		return true
	}
	// ActionImportSignedAttributes has nothing to assemble a SignerInfo from
	// without an accompanying raw signature; reject it standalone rather
	// than silently ignoring the imported attributes.
	if mask == ActionImportSignedAttributes {
		return false
	}
	if isSingleBit(mask) {
		return true
	}
	for _, combo := range legalCombinations {
		if mask == combo {
			return true
		}
	}
	return false
}

// logger is the subset of logrus.FieldLogger the dispatcher reports through;
// satisfied directly by *logrus.Logger / *logrus.Entry.
type logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Descriptor is the Operation Descriptor the Dispatcher sequences
// components against, built by cmd/pesign from the parsed command line.
type Descriptor struct {
	Actions Action

	InPath  string
	OutPath string

	SignatureNumber int
	DigestAlgorithm pe.DigestAlgorithm

	CertNickname string
	CertDir      string

	ImportPath           string // signature (full or raw) file for any Import* action
	SignedAttributesPath string // authenticated-attributes file, ActionImportSignedAttributes
	ExportPath           string // destination file for any Export* action

	ForceOverwrite bool
	AsciiArmor     bool

	Logger logger
}

func wrapErr(kind pe.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &pe.Error{Kind: kind, Op: op, Err: err}
}

// Run validates and executes d, returning the process exit code's backing
// error (nil on success, including the empty-mask "Nothing to do" case).
func Run(d *Descriptor) error {
	if !isLegal(d.Actions) {
		return wrapErr(pe.KindIncompatibleFlags, "dispatch.Run", fmt.Errorf("incompatible flag combination: %s", d.Actions))
	}
	if d.Actions == 0 {
		if d.Logger != nil {
			d.Logger.Debugf("nothing to do")
		}
		return nil
	}
	if d.OutPath != "" && actionMutatesOutput(d.Actions) {
		if d.InPath == d.OutPath {
			return wrapErr(pe.KindInPlaceUnsupported, "dispatch.Run", fmt.Errorf("--in and --out must differ"))
		}
		if !d.ForceOverwrite {
			if _, err := os.Stat(d.OutPath); err == nil {
				return wrapErr(pe.KindOutputExists, "dispatch.Run", fmt.Errorf("%s already exists; use --force to overwrite", d.OutPath))
			}
		}
	}

	img, err := pe.New(d.InPath, nil)
	if err != nil {
		return err
	}
	defer img.Close()
	if err := img.Parse(); err != nil {
		return err
	}

	switch {
	case d.Actions&ActionHash != 0:
		return runHash(img, d)
	case d.Actions&ActionListSignatures != 0:
		return runList(img, d)
	case d.Actions&ActionShowSignature != 0:
		return runShow(img, d)
	case d.Actions&ActionExportCert != 0:
		return runExportCert(img, d)
	case d.Actions&ActionExportPubkey != 0:
		return runExportPubkey(img, d)
	case d.Actions&ActionExportSignedAttributes != 0:
		return runExportSignedAttributes(img, d)
	case d.Actions&ActionExportSignature != 0 && d.Actions&ActionSign == 0:
		return runExportSignature(img, d)
	case d.Actions&ActionRemoveSignature != 0:
		return runRemove(img, d)
	case d.Actions&ActionSign != 0:
		return runSign(img, d)
	case d.Actions&ActionImportSignature != 0 || d.Actions&ActionImportRawSignature != 0:
		return runImport(img, d)
	}
	return nil
}

func actionMutatesOutput(a Action) bool {
	return a&(ActionSign|ActionRemoveSignature|ActionImportSignature|ActionImportRawSignature) != 0
}

func runHash(img *pe.File, d *Descriptor) error {
	ds, err := img.AuthenticodeDigest(d.DigestAlgorithm)
	if err != nil {
		return err
	}
	if d.Actions&ActionPrintDigest != 0 {
		fmt.Printf("hash: %x\n", ds.Digest())
	}
	return nil
}

func runList(img *pe.File, d *Descriptor) error {
	ct := img.CertTable()
	for i := 0; i < ct.Len(); i++ {
		entry, err := ct.Entry(i)
		if err != nil {
			return err
		}
		if d.Logger != nil {
			d.Logger.Debugf("signature %d: subject=%q verified=%v", i, entry.Info.Subject, entry.Verified)
		}
	}
	return nil
}

func runShow(img *pe.File, d *Descriptor) error {
	ct := img.CertTable()
	entry, err := ct.Entry(d.SignatureNumber)
	if err != nil {
		return err
	}
	if d.Logger != nil {
		d.Logger.Debugf("subject=%q issuer=%q serial=%s not_before=%s not_after=%s verified=%v signature_valid=%v",
			entry.Info.Subject, entry.Info.Issuer, entry.Info.SerialNumber,
			entry.Info.NotBefore, entry.Info.NotAfter, entry.Verified, entry.SignatureValid)
	}
	return nil
}

func runExportCert(img *pe.File, d *Descriptor) error {
	entry, err := img.CertTable().Entry(d.SignatureNumber)
	if err != nil {
		return err
	}
	cert, err := entry.Content.SignerCertificate()
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runExportCert", err)
	}
	return writeExport(d.ExportPath, cert.Raw, "CERTIFICATE", d.AsciiArmor)
}

func runExportPubkey(img *pe.File, d *Descriptor) error {
	entry, err := img.CertTable().Entry(d.SignatureNumber)
	if err != nil {
		return err
	}
	cert, err := entry.Content.SignerCertificate()
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runExportPubkey", err)
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return wrapErr(pe.KindMalformedCMS, "dispatch.runExportPubkey", err)
	}
	return writeExport(d.ExportPath, der, "PUBLIC KEY", d.AsciiArmor)
}

func runExportSignature(img *pe.File, d *Descriptor) error {
	entry, err := img.CertTable().Entry(d.SignatureNumber)
	if err != nil {
		return err
	}
	return writeExport(d.ExportPath, entry.Raw, "SIGNATURE", d.AsciiArmor)
}

func runExportSignedAttributes(img *pe.File, d *Descriptor) error {
	entry, err := img.CertTable().Entry(d.SignatureNumber)
	if err != nil {
		return err
	}
	if len(entry.Content.PKCS7.Signers) == 0 {
		return wrapErr(pe.KindMalformedCMS, "dispatch.runExportSignedAttributes",
			fmt.Errorf("signature %d has no signer info", d.SignatureNumber))
	}
	der, err := asn1.Marshal(entry.Content.PKCS7.Signers[0].AuthenticatedAttributes)
	if err != nil {
		return wrapErr(pe.KindMalformedCMS, "dispatch.runExportSignedAttributes", err)
	}
	return writeExport(d.ExportPath, der, "SIGNED ATTRIBUTES", d.AsciiArmor)
}

func runRemove(img *pe.File, d *Descriptor) error {
	clone, err := img.Clone()
	if err != nil {
		return err
	}
	defer clone.Close()
	if err := clone.CertTable().Remove(d.SignatureNumber); err != nil {
		return err
	}
	return clone.SaveAs(d.OutPath)
}

func runSign(img *pe.File, d *Descriptor) error {
	store := identity.Open(d.CertDir)
	defer store.Close()
	id, err := store.Find(d.CertNickname)
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runSign", err)
	}
	cert, err := id.Certificate()
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runSign", err)
	}

	clone, err := img.Clone()
	if err != nil {
		return err
	}
	defer clone.Close()

	ds, err := clone.AuthenticodeDigest(d.DigestAlgorithm)
	if err != nil {
		return err
	}

	builder, err := cms.NewBuilder(d.DigestAlgorithm.CryptoHash(), ds.Digest())
	if err != nil {
		return wrapErr(pe.KindUnsupportedAlgorithm, "dispatch.runSign", err)
	}
	if err := builder.AddSignerChain(cert, id, nil, cms.SignerConfig{}); err != nil {
		return wrapErr(pe.KindSigningFailed, "dispatch.runSign", err)
	}
	der, err := builder.Finish()
	if err != nil {
		return wrapErr(pe.KindSigningFailed, "dispatch.runSign", err)
	}

	if err := clone.CertTable().AllocateSpace(pe.EstimateSize(der)); err != nil {
		return err
	}
	// AllocateSpace only widens the certificate table's recorded size; the
	// table itself stays excluded from the Authenticode digest regardless
	// of size, so the digest computed above, before reservation, remains
	// valid for the entry inserted below.
	if err := clone.CertTable().Insert(pe.BuildEntry(der), d.SignatureNumber); err != nil {
		return err
	}
	if err := clone.UpdateChecksum(); err != nil {
		return err
	}
	return clone.SaveAs(d.OutPath)
}

func runImport(img *pe.File, d *Descriptor) error {
	clone, err := img.Clone()
	if err != nil {
		return err
	}
	defer clone.Close()

	if d.Actions&ActionImportRawSignature != 0 && d.Actions&ActionImportSignedAttributes != 0 {
		if err := runAssembleExternalSignature(clone, d); err != nil {
			return err
		}
		return clone.SaveAs(d.OutPath)
	}

	raw, err := ioutil.ReadFile(d.ImportPath)
	if err != nil {
		return wrapErr(pe.KindIOFailure, "dispatch.runImport", err)
	}
	raw = decodeMaybeArmored(raw)

	entry := raw
	if d.Actions&ActionImportRawSignature != 0 {
		entry = pe.BuildEntry(raw)
	}
	if err := clone.CertTable().Insert(entry, d.SignatureNumber); err != nil {
		return err
	}
	return clone.SaveAs(d.OutPath)
}

// runAssembleExternalSignature handles the IMPORT_RAW_SIGNATURE|IMPORT_SATTRS
// combination: d.ImportPath holds the raw signature an external key
// custodian produced over the DER of a previously exported signed-attribute
// set (d.SignedAttributesPath), and this wraps both into a full SignerInfo
// alongside the signing identity's certificate.
func runAssembleExternalSignature(clone *pe.File, d *Descriptor) error {
	signature, err := ioutil.ReadFile(d.ImportPath)
	if err != nil {
		return wrapErr(pe.KindIOFailure, "dispatch.runImport", err)
	}
	signature = decodeMaybeArmored(signature)

	attrsDER, err := ioutil.ReadFile(d.SignedAttributesPath)
	if err != nil {
		return wrapErr(pe.KindIOFailure, "dispatch.runImport", err)
	}
	attrsDER = decodeMaybeArmored(attrsDER)

	store := identity.Open(d.CertDir)
	defer store.Close()
	id, err := store.Find(d.CertNickname)
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runImport", err)
	}
	cert, err := id.Certificate()
	if err != nil {
		return wrapErr(pe.KindCertificateNotFound, "dispatch.runImport", err)
	}

	ds, err := clone.AuthenticodeDigest(d.DigestAlgorithm)
	if err != nil {
		return err
	}
	builder, err := cms.NewBuilder(d.DigestAlgorithm.CryptoHash(), ds.Digest())
	if err != nil {
		return wrapErr(pe.KindUnsupportedAlgorithm, "dispatch.runImport", err)
	}
	if err := builder.AssembleExternalSigner(cert, nil, attrsDER, signature); err != nil {
		return wrapErr(pe.KindMalformedCMS, "dispatch.runImport", err)
	}
	der, err := builder.Finish()
	if err != nil {
		return wrapErr(pe.KindSigningFailed, "dispatch.runImport", err)
	}

	if err := clone.CertTable().AllocateSpace(pe.EstimateSize(der)); err != nil {
		return err
	}
	if err := clone.CertTable().Insert(pe.BuildEntry(der), d.SignatureNumber); err != nil {
		return err
	}
	return clone.UpdateChecksum()
}
