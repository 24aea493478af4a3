package hardware

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcforged/pylot/pkg/types"
)

func testDocument() *Document {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Document{
		SchemaVersion: SchemaVersion,
		Hardware: types.HardwareProfile{
			CPUModel:      "AMD Ryzen 9 5950X 16-Core Processor",
			PhysicalCores: 16,
			LogicalCores:  32,
			FrequencyMHz:  3400,
			Features:      types.CPUFeatures{AVX: true, AVX2: true, F16C: true, FMA: true},
			GPUVendor:     types.GPUVendorNVIDIA,
			GPUModel:      "NVIDIA GeForce RTX 3090",
			VRAMMiB:       24576,
			TotalRAMMiB:   65536,
			Accel:         types.Acceleration{CUDA: true},
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Runtime: types.RuntimeParameters{
			Threads:       16,
			ContextSize:   8192,
			BatchSize:     1024,
			GPULayers:     32,
			RopeFreqBase:  10000,
			RopeFreqScale: 1.0,
		},
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	doc := testDocument()
	require.NoError(t, store.Save(doc))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, doc.SchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, doc.Hardware, loaded.Hardware)
	assert.Equal(t, doc.Runtime, loaded.Runtime)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestStorePreservesUnknownFields(t *testing.T) {
	store := NewStore(t.TempDir())

	raw := `{
		"schema_version": 1,
		"hardware": {"cpu_model": "test", "physical_cores": 4, "logical_cores": 8, "gpu_vendor": "none"},
		"runtime_parameters": {"threads": 4, "context_size": 2048, "batch_size": 256, "gpu_layers": 0, "rope_freq_base": 10000, "rope_freq_scale": 1},
		"future_field": {"nested": [1, 2, 3]},
		"another": "keep me"
	}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(raw), 0o644))

	doc, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Save(doc))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(out["future_field"]))
	assert.JSONEq(t, `"keep me"`, string(out["another"]))
	assert.Contains(t, out, "hardware")
}

func TestStoreSaveSetsSchemaVersion(t *testing.T) {
	store := NewStore(t.TempDir())
	doc := testDocument()
	doc.SchemaVersion = 0
	require.NoError(t, store.Save(doc))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
}

// A concurrent reader of the profile file must never see a partial document:
// writes go to a temp file followed by a rename.
func TestStoreAtomicReplace(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save(testDocument()))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(store.Path())
			if err != nil {
				continue
			}
			var doc Document
			assert.NoError(t, json.Unmarshal(data, &doc), "reader observed a partial profile")
		}
	}()

	for i := 0; i < 50; i++ {
		doc := testDocument()
		doc.Hardware.TotalRAMMiB = 1024 * (i + 1)
		require.NoError(t, store.Save(doc))
	}
	close(stop)
	wg.Wait()
}
