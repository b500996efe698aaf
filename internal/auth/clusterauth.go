// Package auth signs and verifies the short-lived JWTs nodes present to
// each other at connect time.
// It plays the same role the reference server's server/auth/token package
// plays for client sessions — a single shared-secret signer/verifier pair —
// generalized from a packed binary token to a JWT carrying cluster name,
// node name and ring signature instead of a user ID and auth level.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupported matches the reference auth package's convention of a
// single sentinel for operations a scheme does not implement.
var ErrUnsupported = errors.New("auth: operation not supported")

// ClusterClaims is what a dialing node presents at connect time. RemoteNode
// fills Cluster and Node with the cluster and name of the peer it dials,
// and Signature with the dialer's local ring signature; the accepting
// Listener checks that Cluster equals its own cluster name.
type ClusterClaims struct {
	Cluster   string `json:"cls"`
	Node      string `json:"node"`
	Signature string `json:"sig"`
	jwt.RegisteredClaims
}

// ClusterAuth signs and verifies handshake tokens with a shared ensemble
// secret, the cluster-to-cluster analogue of TokenAuth in the reference
// server's server/auth/token package.
type ClusterAuth struct {
	secret   []byte
	lifetime time.Duration
}

// NewClusterAuth builds a signer/verifier. lifetime bounds how long a
// minted handshake token remains acceptable; the reference server's
// equivalent knob is TokenAuth's expire_in config field.
func NewClusterAuth(secret []byte, lifetime time.Duration) (*ClusterAuth, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: cluster secret too short")
	}
	if lifetime <= 0 {
		return nil, errors.New("auth: invalid token lifetime")
	}
	return &ClusterAuth{secret: secret, lifetime: lifetime}, nil
}

// GenSecret mints a handshake token for a node about to dial a peer,
// mirroring TokenAuth.GenSecret's naming for the equivalent operation.
func (a *ClusterAuth) GenSecret(cluster, node, ringSignature string) (string, error) {
	now := time.Now()
	claims := ClusterClaims{
		Cluster:   cluster,
		Node:      node,
		Signature: ringSignature,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(a.secret)
}

// Authenticate verifies a handshake token presented by a dialing node and
// returns its claims.
func (a *ClusterAuth) Authenticate(token string) (*ClusterClaims, error) {
	claims := &ClusterClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid handshake token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid handshake token")
	}
	if claims.Cluster == "" || claims.Node == "" {
		return nil, errors.New("auth: handshake token missing claims")
	}
	return claims, nil
}
