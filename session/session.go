package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"fleetingfiles/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const issuer = "fleetingfiles"

type (
	// Session is the caller-held proof of membership in one room. It is not
	// an identity: every holder of the same room credentials is equivalent.
	Session struct {
		RoomName string
		RoomID   string
		IssuedAt time.Time
	}

	// Claims are the JWT claims carried by a membership token.
	Claims struct {
		jwt.RegisteredClaims
		Room   string `json:"room"`
		RoomID string `json:"rid"`
	}

	// Manager mints and verifies membership tokens.
	Manager struct {
		secret []byte
		now    func() time.Time
	}
)

// NewManager returns a token manager. An empty secret is replaced by a random
// one, which invalidates every session when the process restarts.
func NewManager(secret string) *Manager {
	key := []byte(secret)
	if len(key) == 0 {
		logrus.Warn("SESSION_SECRET is not set. Sessions will not survive a restart.")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("failed to generate session secret: %v", err))
		}
	}
	return &Manager{secret: key, now: time.Now}
}

// Mint issues a token for the room. The token expires with the room.
func (m *Manager) Mint(room *core.Room) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   room.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(room.ExpiresAt),
		},
		Room:   room.Name,
		RoomID: room.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse verifies a token. A correctly signed token past its room's expiry
// yields core.ErrRoomExpired; any other malformed or forged token yields
// core.ErrNoActiveRoom.
func (m *Manager) Parse(tokenString string) (*Session, error) {
	if tokenString == "" {
		return nil, core.ErrNoActiveRoom
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		// Claims are only validated once the signature checks out.
		if errors.Is(err, jwt.ErrTokenExpired) && token != nil {
			if claims, ok := token.Claims.(*Claims); ok && claims.Issuer == issuer && claims.Room != "" {
				return nil, core.ErrRoomExpired
			}
		}
		logrus.WithError(err).Debug("Rejected membership token")
		return nil, core.ErrNoActiveRoom
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Room == "" || claims.RoomID == "" {
		return nil, core.ErrNoActiveRoom
	}

	s := &Session{RoomName: claims.Room, RoomID: claims.RoomID}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	return s, nil
}
