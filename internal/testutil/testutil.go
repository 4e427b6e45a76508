// Package testutil holds helpers shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/subculture-collective/agentrun/pkg/jwt"
)

// RSAPrivateKeyPEM generates a throwaway signing key for token tests.
func RSAPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

// JWTManager builds a token manager backed by a fresh test key.
func JWTManager(t *testing.T) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager(RSAPrivateKeyPEM(t))
	require.NoError(t, err)
	return m
}

// AccessToken mints a bearer token for userID with the given role.
func AccessToken(t *testing.T, m *jwt.Manager, userID uuid.UUID, role string) string {
	t.Helper()
	access, _, err := m.GenerateTokenPair(userID, userID.String()+"@example.test", role)
	require.NoError(t, err)
	return access
}
