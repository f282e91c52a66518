package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchFile_SignalsOnChange(t *testing.T) {
	configFile := createConfigFile(t, getBaseConfig())
	ossignal := make(chan os.Signal, 1)

	w, err := WatchFile(configFile, 20*time.Millisecond, ossignal)
	assert.NoError(t, err, "WatchFile should start")
	defer w.Stop()

	err = os.WriteFile(configFile, []byte(getBaseConfig()+"\nWatchConfigFile: true\n"), 0o644)
	assert.NoError(t, err, "rewriting the config file should work")

	select {
	case sig := <-ossignal:
		assert.Equal(t, syscall.SIGHUP, sig, "a config change should arrive as SIGHUP")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a SIGHUP after the config file changed")
	}
}

func TestWatchFile_IgnoresOtherFiles(t *testing.T) {
	configFile := createConfigFile(t, getBaseConfig())
	ossignal := make(chan os.Signal, 1)

	w, err := WatchFile(configFile, 20*time.Millisecond, ossignal)
	assert.NoError(t, err, "WatchFile should start")
	defer w.Stop()

	other := filepath.Join(filepath.Dir(configFile), "notes.txt")
	err = os.WriteFile(other, []byte("unrelated"), 0o644)
	assert.NoError(t, err, "writing the unrelated file should work")

	select {
	case <-ossignal:
		t.Fatal("a change to an unrelated file must not request a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchFile_MissingDirectory(t *testing.T) {
	ossignal := make(chan os.Signal, 1)

	_, err := WatchFile("/nonexistent/dir/config.yml", 20*time.Millisecond, ossignal)
	assert.Error(t, err, "WatchFile should fail for a missing directory")
}
