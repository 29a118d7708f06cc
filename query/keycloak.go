package query

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"courier/protocol"
	"courier/store"
)

// checkKeycloakRevocation asks a Keycloak server whether signed contact
// details were revoked. The details are a JWT issued by the Keycloak
// server; structurally invalid or expired tokens are settled locally as
// revoked without a server round trip.
func (d *Dispatcher) checkKeycloakRevocation(ctx context.Context, query *store.PendingServerQuery, log *logrus.Entry) (*store.QueryResponse, error) {
	var params store.CheckKeycloakRevocationParams
	if err := query.DecodeParams(&params); err != nil {
		return nil, err
	}

	revoked := true
	if reason, ok := inspectSignedDetails(params.SignedContactDetails); !ok {
		log.WithField("reason", reason).Info("Signed contact details rejected locally")
		return &store.QueryResponse{Status: store.QueryStatusOK, Revoked: &revoked}, nil
	}

	serverRevoked, status, err := d.client.CheckKeycloakRevocation(ctx, params.KeycloakServerURL, params.SignedContactDetails)
	if err != nil {
		return nil, err
	}
	if status != protocol.StatusOK {
		return &store.QueryResponse{Status: store.QueryStatusGeneralError}, nil
	}
	return &store.QueryResponse{Status: store.QueryStatusOK, Revoked: &serverRevoked}, nil
}

// inspectSignedDetails checks the JWT shape and expiry of signed contact
// details. The signature itself is verified by the Keycloak server; only
// claims the client can judge on its own are checked here.
func inspectSignedDetails(signedDetails string) (reason string, ok bool) {
	var claims jwt.MapClaims
	_, _, err := jwt.NewParser().ParseUnverified(signedDetails, &claims)
	if err != nil {
		return "malformed token", false
	}
	expiration, err := claims.GetExpirationTime()
	if err != nil {
		return "unreadable expiration claim", false
	}
	if expiration != nil && expiration.Before(time.Now()) {
		return "expired token", false
	}
	return "", true
}
