package plugins

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// stateEncMode uses core deterministic encoding so identical snapshots
// always produce identical bytes.
var stateEncMode cbor.EncMode

func init() {
	var err error
	stateEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("plugins: CBOR encoder initialization failed: " + err.Error())
	}
}

// StateEnvelope wraps a plugin state snapshot with enough metadata to refuse
// restoring it into the wrong plugin. The registry itself treats captured
// state as opaque bytes; the envelope is a convention for plugins that want
// a stable, self-describing encoding across reloads.
type StateEnvelope struct {
	Plugin  string `cbor:"plugin"`
	Version int    `cbor:"version"`
	SavedAt int64  `cbor:"savedAt"` // unix milliseconds
	Payload []byte `cbor:"payload"`
}

// EncodeState packs a payload into a stamped envelope.
func EncodeState(plugin string, version int, payload []byte) ([]byte, error) {
	return stateEncMode.Marshal(StateEnvelope{
		Plugin:  plugin,
		Version: version,
		SavedAt: time.Now().UnixMilli(),
		Payload: payload,
	})
}

// DecodeState unpacks an envelope, checking that it belongs to the named
// plugin and that its version is one the caller can read.
func DecodeState(data []byte, plugin string, maxVersion int) (StateEnvelope, error) {
	var env StateEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return StateEnvelope{}, fmt.Errorf("plugin state envelope: %w", err)
	}
	if env.Plugin != plugin {
		return StateEnvelope{}, fmt.Errorf("plugin state envelope belongs to %q, not %q", env.Plugin, plugin)
	}
	if env.Version > maxVersion {
		return StateEnvelope{}, fmt.Errorf("plugin state envelope version %d is newer than supported %d", env.Version, maxVersion)
	}
	return env, nil
}
