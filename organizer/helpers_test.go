package organizer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const (
	testKey1   = "35241112345678000190550010000001231234567890"
	testKey2   = "35241112345678000190550010000009871234567890"
	testTaxID  = "12345678000190"
	testIssuer = "EMPRESA TESTE LTDA"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.SourceDirectory = filepath.Join(root, "inbox")
	cfg.DestinationDirectory = filepath.Join(root, "archive")
	cfg.DataRoot = filepath.Join(root, "data")
	cfg.MaxRetryAttempts = 3
	cfg.RetryDelayBaseS = 0 // no backoff sleeps in tests
	if err := os.MkdirAll(cfg.SourceDirectory, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

type testPipeline struct {
	cfg   *Config
	store *Store
	cache *Cache
	mover *Mover
	proc  *Processor
	recon *Reconciler
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	cfg := testConfig(t)
	return newTestPipelineWith(t, cfg)
}

func newTestPipelineWith(t *testing.T, cfg *Config) *testPipeline {
	t.Helper()
	store, err := OpenStore(cfg.CatalogPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mover := NewMover(cfg)
	if err := mover.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := NewCache()
	proc := NewProcessor(cfg, store, cache, mover, NopSink{}, log)
	recon := NewReconciler(cfg, store, proc, NopSink{}, log)
	return &testPipeline{cfg: cfg, store: store, cache: cache, mover: mover, proc: proc, recon: recon}
}

// sampleXML renders a minimal but realistic NF-e procNFe document.
func sampleXML(accessKey, taxID, issuerName, model, dhEmi string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">
  <NFe>
    <infNFe Id="NFe%s" versao="4.00">
      <ide>
        <cUF>35</cUF>
        <natOp>VENDA</natOp>
        <mod>%s</mod>
        <serie>1</serie>
        <nNF>123</nNF>
        <dhEmi>%s</dhEmi>
        <tpAmb>2</tpAmb>
      </ide>
      <emit>
        <CNPJ>%s</CNPJ>
        <xNome>%s</xNome>
        <enderEmit>
          <xMun>SAO PAULO</xMun>
          <UF>SP</UF>
        </enderEmit>
      </emit>
      <total>
        <ICMSTot>
          <vNF>118.00</vNF>
        </ICMSTot>
      </total>
    </infNFe>
  </NFe>
</nfeProc>`, accessKey, model, dhEmi, taxID, issuerName)
}

func sampleInvoiceXML() string {
	return sampleXML(testKey1, testTaxID, testIssuer, "55", "2024-11-06T10:30:00-03:00")
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func countDocuments(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func listArchive(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}
