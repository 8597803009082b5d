package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// OIDs for the generic PKCS#7/CMS envelope, mirrored from
// go.mozilla.org/pkcs7 so the builder does not need to reach into that
// package's unexported signedData/signerInfo types.
var (
	oidSignedData             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	// ErrNoCertificate is returned by Finish when no signer was added.
	ErrNoCertificate = errors.New("cms: no signer added")
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                contentInfo
	Certificates               rawCertificates `asn1:"optional,tag:0"`
	SignerInfos                []signerInfo    `asn1:"set"`
}

type signerInfo struct {
	Version                   int `asn1:"default:1"`
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   []attribute `asn1:"optional,omitempty,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes []attribute `asn1:"optional,omitempty,tag:1"`
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type rawCertificates struct {
	Raw asn1.RawContent
}

// Builder assembles the CMS SignedData object that wraps an Authenticode
// SpcIndirectDataContent, following RFC 2315 SignerInfo construction as
// implemented by digitorus/pkcs7's AddSignerChain, adapted so the signed
// content is the image digest rather than arbitrary application data.
type Builder struct {
	hashAlg         crypto.Hash
	digest          []byte
	encodedIndirect []byte
	contentInfo     contentInfo
	certs           []*x509.Certificate
	signers         []signerInfo
}

// NewBuilder starts a CMS SignedData build wrapping imageDigest (the
// Authenticode digest selected via --digest_type) as an
// SpcIndirectDataContent/SPC_PE_IMAGE_DATAOBJ content.
func NewBuilder(hashAlg crypto.Hash, imageDigest []byte) (*Builder, error) {
	digestOID, err := HashAlgorithmOID(hashAlg)
	if err != nil {
		return nil, err
	}

	indirect := SpcIndirectDataContent{
		Data: SpcAttributeTypeAndOptionalValue{
			Type: OIDSpcPeImageData,
			Value: SpcPeImageData{
				Flags: asn1.BitString{Bytes: []byte{0}, BitLength: 0},
				File:  asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: emptySpcLink},
			},
		},
		MessageDigest: DigestInfo{
			DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: digestOID},
			Digest:          imageDigest,
		},
	}
	encoded, err := asn1.Marshal(indirect)
	if err != nil {
		return nil, err
	}

	return &Builder{
		hashAlg:         hashAlg,
		digest:          imageDigest,
		encodedIndirect: encoded,
		contentInfo: contentInfo{
			ContentType: OIDSpcIndirectDataContent,
			Content:     asn1.RawValue{FullBytes: wrapExplicit(encoded)},
		},
	}, nil
}

// emptySpcLink is the DER encoding of an SpcLink CHOICE selecting the
// "file" alternative with an empty SpcString, the degenerate file
// reference every major Authenticode signer emits.
var emptySpcLink = []byte{0xa0, 0x00}

// SignerConfig carries the optional extras added to a signer's
// authenticated attributes. Currently empty: Authenticode's signed
// attribute set is fixed ({contentType, messageDigest, SpcSpOpusInfo}),
// with no room for an equivalent of signing-time or other PKCS#7 extras.
type SignerConfig struct{}

// AddSignerChain signs the SpcIndirectDataContent with key (an end-entity
// private key implementing crypto.Signer) and records cert plus any
// intermediate parents for inclusion in the Certificates field. Mirrors
// digitorus/pkcs7's AddSignerChain: it builds the DER-sorted authenticated
// attribute SET OF (content-type, message-digest, SpcSpOpusInfo), signs its
// encoding, and appends a SignerInfo.
func (b *Builder) AddSignerChain(cert *x509.Certificate, key crypto.Signer, parents []*x509.Certificate, cfg SignerConfig) error {
	if len(b.signers) > 0 {
		return errors.New("cms: this builder supports a single signer; embed additional signatures as separate WIN_CERTIFICATE entries")
	}

	digestOID, err := HashAlgorithmOID(b.hashAlg)
	if err != nil {
		return err
	}

	// The message-digest attribute covers the encapsulated content (the DER
	// of SpcIndirectDataContent), per RFC 5652 §5.4 - not the bare image
	// digest SpcIndirectDataContent itself carries.
	h := b.hashAlg.New()
	h.Write(b.encodedIndirect)
	contentDigest := h.Sum(nil)

	attrs := []attribute{}
	a, err := marshalAttribute(oidAttributeContentType, b.contentInfo.ContentType)
	if err != nil {
		return err
	}
	attrs = append(attrs, a)
	a, err = marshalAttribute(oidAttributeMessageDigest, contentDigest)
	if err != nil {
		return err
	}
	attrs = append(attrs, a)
	a, err = marshalAttribute(OIDSpcSpOpusInfo, SpcSpOpusInfo{})
	if err != nil {
		return err
	}
	attrs = append(attrs, a)

	attrBytes, err := marshalAttributesForSigning(attrs)
	if err != nil {
		return err
	}

	sigHash := b.hashAlg.New()
	sigHash.Write(attrBytes)
	signature, err := key.Sign(rand.Reader, sigHash.Sum(nil), b.hashAlg)
	if err != nil {
		return fmt.Errorf("cms: signing authenticated attributes: %w", err)
	}

	var ias issuerAndSerial
	ias.SerialNumber = cert.SerialNumber
	if len(parents) == 0 {
		ias.IssuerName = asn1.RawValue{FullBytes: cert.RawIssuer}
	} else {
		ias.IssuerName = asn1.RawValue{FullBytes: parents[0].RawSubject}
	}

	b.signers = append(b.signers, signerInfo{
		IssuerAndSerialNumber:     ias,
		DigestAlgorithm:           pkix.AlgorithmIdentifier{Algorithm: digestOID},
		AuthenticatedAttributes:   attrs,
		DigestEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: publicKeyAlgorithmOID(cert)},
		EncryptedDigest:           signature,
	})

	b.certs = append(b.certs, cert)
	b.certs = append(b.certs, parents...)
	return nil
}

// AssembleExternalSigner embeds a SignerInfo built from an authenticated
// attribute set and signature produced outside this process - the
// --import-raw-signature + --import-signed-attributes workflow, where a
// caller exports signed attributes (pesign --export-signed-attributes,
// handled by the dispatcher's runExportSignedAttributes), has them signed by an external key
// custodian, and imports the resulting raw signature back in. No hashing or
// signing happens here; attrsDER is embedded as-is as the SignerInfo's
// AuthenticatedAttributes, so the caller is responsible for attrsDER having
// been generated against this exact SpcIndirectDataContent.
func (b *Builder) AssembleExternalSigner(cert *x509.Certificate, parents []*x509.Certificate, attrsDER, signature []byte) error {
	if len(b.signers) > 0 {
		return errors.New("cms: this builder supports a single signer; embed additional signatures as separate WIN_CERTIFICATE entries")
	}

	digestOID, err := HashAlgorithmOID(b.hashAlg)
	if err != nil {
		return err
	}

	var attrs []attribute
	if _, err := asn1.Unmarshal(attrsDER, &attrs); err != nil {
		return fmt.Errorf("cms: parsing imported signed attributes: %w", err)
	}

	var ias issuerAndSerial
	ias.SerialNumber = cert.SerialNumber
	if len(parents) == 0 {
		ias.IssuerName = asn1.RawValue{FullBytes: cert.RawIssuer}
	} else {
		ias.IssuerName = asn1.RawValue{FullBytes: parents[0].RawSubject}
	}

	b.signers = append(b.signers, signerInfo{
		IssuerAndSerialNumber:     ias,
		DigestAlgorithm:           pkix.AlgorithmIdentifier{Algorithm: digestOID},
		AuthenticatedAttributes:   attrs,
		DigestEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: publicKeyAlgorithmOID(cert)},
		EncryptedDigest:           signature,
	})

	b.certs = append(b.certs, cert)
	b.certs = append(b.certs, parents...)
	return nil
}

// Finish marshals the SignedData and returns the DER bytes ready to embed
// as a WIN_CERTIFICATE payload (wCertificateType WIN_CERT_TYPE_PKCS_SIGNED_DATA).
func (b *Builder) Finish() ([]byte, error) {
	if len(b.signers) == 0 {
		return nil, ErrNoCertificate
	}
	digestOID, err := HashAlgorithmOID(b.hashAlg)
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:                    1,
		DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{{Algorithm: digestOID}},
		ContentInfo:                b.contentInfo,
		Certificates:               marshalCertificates(b.certs),
		SignerInfos:                b.signers,
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}
	outer := contentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{FullBytes: wrapExplicit(inner)},
	}
	return asn1.Marshal(outer)
}

func wrapExplicit(inner []byte) []byte {
	v := asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: inner}
	b, err := asn1.Marshal(v)
	if err != nil {
		// inner is already valid DER; Marshal of a RawValue wrapper cannot fail.
		panic(err)
	}
	return b
}

// marshalAttribute encodes value and wraps it as the single member of the
// attribute's Value SET OF, matching how go.mozilla.org/pkcs7's
// attributes.ForMarshalling builds each authenticated attribute (tag 17 is
// the universal SET tag).
func marshalAttribute(oid asn1.ObjectIdentifier, value interface{}) (attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return attribute{}, err
	}
	return attribute{
		Type:  oid,
		Value: asn1.RawValue{Tag: 17, IsCompound: true, Bytes: encoded},
	}, nil
}

// marshalAttributesForSigning encodes attrs as a DER SET OF Attribute, the
// bytes that get hashed and signed. asn1.Marshal sorts "set"-tagged slices
// into DER canonical order, which is what makes this ordering reproducible
// regardless of the order attrs were appended in.
func marshalAttributesForSigning(attrs []attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

func marshalCertificates(certs []*x509.Certificate) rawCertificates {
	var buf bytes.Buffer
	for _, c := range certs {
		buf.Write(c.Raw)
	}
	v := asn1.RawValue{Bytes: buf.Bytes(), Class: 2, Tag: 0, IsCompound: true}
	b, err := asn1.Marshal(v)
	if err != nil {
		return rawCertificates{}
	}
	return rawCertificates{Raw: b}
}

// publicKeyAlgorithmOID maps cert's public key type to its PKCS#1/ANSI X9.62
// encryption algorithm OID, the DigestEncryptionAlgorithm field expects the
// key algorithm, not the digest algorithm.
func publicKeyAlgorithmOID(cert *x509.Certificate) asn1.ObjectIdentifier {
	switch cert.PublicKeyAlgorithm {
	case x509.ECDSA:
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	default:
		// RSA, and the fallback for anything else: rsaEncryption.
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	}
}
