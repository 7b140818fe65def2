package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/medshare/internal/config"
	"github.com/i5heu/medshare/internal/testutil"
)

func writeRecordFile(t *testing.T) string {
	t.Helper()
	rec := testutil.Record(1)
	rf := recordFile{
		PatientID: hex.EncodeToString(rec.PatientID[:]),
		Age:       hex.EncodeToString(rec.Age[:]),
		Gender:    hex.EncodeToString(rec.Gender[:]),
		BloodType: hex.EncodeToString(rec.BloodType[:]),
		Weight:    hex.EncodeToString(rec.Weight[:]),
		Height:    hex.EncodeToString(rec.Height[:]),
	}
	for _, a := range rec.Allergies {
		rf.Allergies = append(rf.Allergies, hex.EncodeToString(a[:]))
	}
	raw, err := yaml.Marshal(rf)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "record.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestRecordFileRoundTrip(t *testing.T) {
	t.Parallel()
	raw, err := os.ReadFile(writeRecordFile(t))
	require.NoError(t, err)

	var rf recordFile
	require.NoError(t, yaml.UnmarshalStrict(raw, &rf))
	rec, err := rf.record()
	require.NoError(t, err)
	assert.Equal(t, testutil.Record(1), rec)

	rf.Allergies = rf.Allergies[:4]
	_, err = rf.record()
	assert.Error(t, err)
}

func TestRunStoreOnDisk(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MinimumFreeSpace = 0
	ctx := context.Background()
	owner := testutil.Key(7).String()

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, testutil.Logger(), "init-circuit", nil, &out))
	assert.Contains(t, out.String(), "computation definition:")

	out.Reset()
	require.NoError(t, run(ctx, cfg, testutil.Logger(), "store",
		[]string{"-owner", owner, "-file", writeRecordFile(t)}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "record: "))

	err := run(ctx, cfg, testutil.Logger(), "store",
		[]string{"-owner", owner, "-file", writeRecordFile(t)}, &out)
	assert.Error(t, err)

	out.Reset()
	require.NoError(t, run(ctx, cfg, testutil.Logger(), "pending", nil, &out))
	assert.Empty(t, out.String())
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.InMemory = true
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), cfg, testutil.Logger(), "explode", nil, &out))
}
