// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command pesign signs, verifies, and manipulates Authenticode signatures
// embedded in PE/COFF images.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	pe "github.com/saferwall/pesign"
	"github.com/saferwall/pesign/internal/dispatch"
)

var (
	inPath          string
	outPath         string
	certNickname    string
	certDir         string
	signatureNumber int
	digestType      string
	importPath      string
	exportPath      string
	importRawPath   string
	importSAttrPath string
	exportSAttrPath string
	exportPubkey    string
	exportCert      string

	doSign            bool
	doHash            bool
	doRemoveSignature bool
	doListSignatures  bool
	doShowSignature   bool
	forceOverwrite    bool
	asciiArmor        bool
	padding           bool
	verbose           bool
	daemonize         bool
	nofork            bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pesign",
		Short:         "Sign, verify, and manipulate Authenticode signatures embedded in PE/COFF images",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&inPath, "in", "i", "", "input PE file")
	flags.StringVarP(&outPath, "out", "o", "", "output PE file")
	flags.StringVarP(&certNickname, "certificate", "c", "", "signing identity nickname")
	flags.StringVarP(&certDir, "certdir", "n", "", "signing identity store directory")
	flags.BoolVarP(&doSign, "sign", "s", false, "sign the input file")
	flags.BoolVarP(&doHash, "hash", "h", false, "compute and print the Authenticode digest")
	flags.BoolVarP(&doRemoveSignature, "remove-signature", "r", false, "remove a signature")
	flags.BoolVarP(&doListSignatures, "list-signatures", "l", false, "list every signature in the certificate table")
	flags.BoolVarP(&doShowSignature, "show-signature", "S", false, "show details of one signature")
	flags.StringVarP(&importPath, "import-signature", "m", "", "import a finished WIN_CERTIFICATE signature from file")
	flags.StringVarP(&exportPath, "export-signature", "e", "", "export a signature to file")
	flags.StringVarP(&importRawPath, "import-raw-signature", "R", "", "import a raw CMS SignedData blob from file")
	flags.StringVarP(&importSAttrPath, "import-signed-attributes", "I", "", "import authenticated attributes from file")
	flags.StringVarP(&exportSAttrPath, "export-signed-attributes", "E", "", "export authenticated attributes to file")
	flags.StringVarP(&exportPubkey, "export-pubkey", "K", "", "export the signer's public key to file")
	flags.StringVarP(&exportCert, "export-cert", "C", "", "export the signer's certificate to file")
	flags.IntVarP(&signatureNumber, "signature-number", "u", 0, "zero-based signature index")
	flags.StringVarP(&digestType, "digest_type", "d", "sha256", "digest algorithm: sha1|sha224|sha256|sha384|sha512|help")
	flags.BoolVarP(&forceOverwrite, "force", "f", false, "overwrite an existing output file")
	flags.BoolVarP(&asciiArmor, "ascii-armor", "a", false, "PEM-encode exported artifacts")
	flags.BoolVarP(&padding, "padding", "P", false, "accepted for compatibility; has no effect")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&daemonize, "daemonize", "D", false, "accepted; operations still run in the foreground")
	flags.BoolVarP(&nofork, "nofork", "N", false, "run in the foreground even under --daemonize")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if digestType == "help" {
		fmt.Fprintln(cmd.OutOrStdout(), "sha1\nsha224\nsha256\nsha384\nsha512")
		return nil
	}

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	alg, err := pe.ParseDigestAlgorithm(digestType)
	if err != nil {
		return reportAndFail(logger, err)
	}

	d := &dispatch.Descriptor{
		Actions:              actionMask(),
		InPath:               inPath,
		OutPath:              outPath,
		SignatureNumber:      signatureNumber,
		DigestAlgorithm:      alg,
		CertNickname:         certNickname,
		CertDir:              certDir,
		ImportPath:           firstNonEmpty(importPath, importRawPath),
		SignedAttributesPath: importSAttrPath,
		ExportPath:           firstNonEmpty(exportPath, exportSAttrPath, exportPubkey, exportCert),
		ForceOverwrite:       forceOverwrite,
		AsciiArmor:           asciiArmor,
		Logger:               logger,
	}

	if err := dispatch.Run(d); err != nil {
		return reportAndFail(logger, err)
	}
	return nil
}

// actionMask folds the parsed flags into the Operation Descriptor's bitmask,
// the single piece of command-line interpretation the dispatcher itself
// does not perform.
func actionMask() dispatch.Action {
	var mask dispatch.Action
	if doHash {
		// -h always both computes and prints the digest: GENERATE_DIGEST
		// and PRINT_DIGEST are the one listed two-bit combination that
		// isn't gated behind a separate flag.
		mask |= dispatch.ActionHash | dispatch.ActionPrintDigest
	}
	if doSign {
		mask |= dispatch.ActionSign
	}
	if importRawPath != "" {
		mask |= dispatch.ActionImportRawSignature
	}
	if importPath != "" {
		mask |= dispatch.ActionImportSignature
	}
	if importSAttrPath != "" {
		mask |= dispatch.ActionImportSignedAttributes
	}
	if exportSAttrPath != "" {
		mask |= dispatch.ActionExportSignedAttributes
	}
	if exportPath != "" {
		mask |= dispatch.ActionExportSignature
	}
	if exportPubkey != "" {
		mask |= dispatch.ActionExportPubkey
	}
	if exportCert != "" {
		mask |= dispatch.ActionExportCert
	}
	if doRemoveSignature {
		mask |= dispatch.ActionRemoveSignature
	}
	if doListSignatures {
		mask |= dispatch.ActionListSignatures
	}
	if doShowSignature {
		mask |= dispatch.ActionShowSignature
	}
	if daemonize {
		mask |= dispatch.ActionDaemonize
	}
	if nofork {
		mask |= dispatch.ActionNoFork
	}
	return mask
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// reportAndFail writes a single-line diagnostic prefixed with the tool name,
// per the error-handling design's propagation rule, and returns a non-nil
// error so main exits with status 1.
func reportAndFail(logger logrus.FieldLogger, err error) error {
	logger.Errorf("pesign: %v", err)
	return err
}
