package file

import (
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/store"
)

// NewFilePairingStore adapts a pairing.Service — which already implements
// store.PairingStore against its own JSON-file ledger — to the standalone
// wiring's expected constructor shape (pairing.NewService(path) is built by
// the caller and handed in here).
func NewFilePairingStore(svc *pairing.Service) store.PairingStore {
	return svc
}
