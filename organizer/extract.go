package organizer

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"
)

// Kind is the fiscal document kind derived from the model code.
type Kind string

const (
	KindNFE  Kind = "NFE"  // model 55
	KindNFCE Kind = "NFCE" // model 65
)

// KindForModel maps a fiscal model code to a Kind. Unknown codes map to a
// generic "MOD<code>" so the archive still gets a stable bucket.
func KindForModel(code string) Kind {
	switch code {
	case "55":
		return KindNFE
	case "65":
		return KindNFCE
	default:
		return Kind("MOD" + code)
	}
}

// Invoice is the structured record extracted from one fiscal XML file.
type Invoice struct {
	AccessKey    string
	TaxID        string
	IssuerName   string
	EmissionDate time.Time
	Kind         Kind
}

// infNFe mirrors the subset of the NF-e layout the organizer needs. Field
// matching is by local name, so namespaced and namespace-free documents both
// decode.
type infNFe struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		Mod   string `xml:"mod"`
		DhEmi string `xml:"dhEmi"`
		DEmi  string `xml:"dEmi"`
	} `xml:"ide"`
	Emit struct {
		CNPJ  string `xml:"CNPJ"`
		XNome string `xml:"xNome"`
	} `xml:"emit"`
}

// Extract parses the fiscal XML at path and returns its invoice record.
// Failures are typed: malformed XML is ErrKindXMLParse, a well-formed
// document missing required fields is ErrKindXMLStructure.
func Extract(path string) (*Invoice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, stageErr(StatusFailedParsing, "open xml", "", err)
	}
	defer f.Close()

	inf, err := findInfNFe(f)
	if err != nil {
		return nil, err
	}

	key := strings.TrimPrefix(inf.ID, "NFe")
	if !validAccessKey(key) {
		return nil, structureErr(fmt.Errorf("infNFe Id %q is not a 44-char access key", inf.ID))
	}

	taxID := digitsOnly(inf.Emit.CNPJ)
	if len(taxID) != 14 {
		return nil, structureErr(fmt.Errorf("emit CNPJ %q is not a 14-digit tax id", inf.Emit.CNPJ))
	}

	name := strings.TrimSpace(inf.Emit.XNome)
	if name == "" {
		return nil, structureErr(fmt.Errorf("emit xNome is missing"))
	}

	if inf.Ide.Mod == "" {
		return nil, structureErr(fmt.Errorf("ide mod is missing"))
	}

	emission, err := parseEmission(inf.Ide.DhEmi, inf.Ide.DEmi)
	if err != nil {
		return nil, structureErr(err)
	}

	return &Invoice{
		AccessKey:    key,
		TaxID:        taxID,
		IssuerName:   name,
		EmissionDate: emission,
		Kind:         KindForModel(inf.Ide.Mod),
	}, nil
}

// findInfNFe scans the token stream for the first infNFe element, wherever
// it sits (inside nfeProc/NFe, inside a bare NFe, or at top level).
func findInfNFe(r io.Reader) (*infNFe, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, structureErr(fmt.Errorf("no infNFe element found"))
		}
		if err != nil {
			return nil, &PipelineError{Kind: ErrKindXMLParse, Stage: StatusFailedParsing, Op: "parse xml", Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "infNFe" {
			continue
		}
		var inf infNFe
		if err := dec.DecodeElement(&inf, &se); err != nil {
			return nil, &PipelineError{Kind: ErrKindXMLParse, Stage: StatusFailedParsing, Op: "decode infNFe", Err: err}
		}
		return &inf, nil
	}
}

func structureErr(err error) *PipelineError {
	return &PipelineError{Kind: ErrKindXMLStructure, Stage: StatusFailedParsing, Op: "extract", Err: err}
}

// parseEmission accepts the datetime element (dhEmi, RFC3339 with offset)
// or the legacy date element (dEmi, plain date).
func parseEmission(dhEmi, dEmi string) (time.Time, error) {
	if dhEmi != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, dhEmi); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("dhEmi %q is not a recognized datetime", dhEmi)
	}
	if dEmi != "" {
		if ts, err := time.Parse("2006-01-02", dEmi); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("dEmi %q is not a date", dEmi)
	}
	return time.Time{}, fmt.Errorf("emission date element (dhEmi or dEmi) is missing")
}

func validAccessKey(key string) bool {
	if len(key) != 44 {
		return false
	}
	for _, r := range key {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalIssuerName normalizes an issuer display name for the catalog and
// the archive tree: uppercase, punctuation stripped, whitespace collapsed.
func CanonicalIssuerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
