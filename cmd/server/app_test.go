package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))
	assert.Nil(t, originChecker([]string{"https://a.example", "*"}))

	check := originChecker([]string{"https://a.example"})
	req := httptest.NewRequest("GET", "/api/jobs/x/ws", nil)
	assert.True(t, check(req), "same-origin requests carry no Origin header")

	req.Header.Set("Origin", "https://a.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "drain", "sweep", "reclaim", "retry", "token", "version"} {
		assert.True(t, names[want], want)
	}
	assert.Equal(t, "ingest.yaml", rootCmd.PersistentFlags().Lookup("config").DefValue)
}
