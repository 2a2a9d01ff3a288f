// Package token mints and tracks room access credentials.
//
// Tokens are HS256 JWTs in the shape the LiveKit media server accepts. Every
// token is recorded in the issued_tokens ledger so it can be listed and
// revoked; Verify refuses revoked tokens and tokens presented for a room
// other than the one they were minted for.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL is how long a room token stays valid when no TTL is configured.
const DefaultTTL = 6 * time.Hour

// adminTTL bounds server-to-media-server credentials.
const adminTTL = 10 * time.Minute

var (
	// ErrInvalid is returned for tokens that fail to parse or verify.
	ErrInvalid = errors.New("token: invalid")
	// ErrWrongRoom is returned when a token is presented for another room.
	ErrWrongRoom = errors.New("token: not valid for room")
	// ErrRevoked is returned for tokens revoked in the ledger.
	ErrRevoked = errors.New("token: revoked")
)

// VideoGrant is the LiveKit "video" claim.
type VideoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims is the full JWT claim set.
type Claims struct {
	jwt.RegisteredClaims
	Name     string      `json:"name,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
}

// Metadata is embedded in the token so media clients learn their role
// from the server instead of guessing from identity strings.
type Metadata struct {
	Role       Role   `json:"role"`
	CallID     string `json:"call_id,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

// ParseMetadata decodes the metadata claim of verified claims.
func (c *Claims) ParseMetadata() (Metadata, error) {
	var md Metadata
	if c.Metadata == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(c.Metadata), &md); err != nil {
		return md, fmt.Errorf("token: metadata: %w", err)
	}
	return md, nil
}

// Grant describes who a token admits and where.
type Grant struct {
	Room       string
	Identity   string
	Name       string
	Role       Role
	CallID     string
	TransferID string
}

// Token is a minted credential.
type Token struct {
	JWT       string    `json:"token"`
	JTI       string    `json:"jti"`
	Room      string    `json:"room"`
	Identity  string    `json:"identity"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevokeFilter selects ledger rows to revoke. At least one field must be set.
type RevokeFilter struct {
	TransferID string
	CallID     string
	Room       string
	Identity   string
}

// Issuer mints, verifies and revokes tokens.
type Issuer struct {
	db        *gorm.DB
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
}

// NewIssuer returns an Issuer signing with the given LiveKit credentials.
func NewIssuer(db *gorm.DB, apiKey, apiSecret string, ttl time.Duration) (*Issuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("token: api key and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{db: db, apiKey: apiKey, apiSecret: apiSecret, ttl: ttl, now: time.Now}, nil
}

// APIKey returns the key placed in the iss claim.
func (i *Issuer) APIKey() string { return i.apiKey }

// Issue mints a room token for g and records it in the ledger.
func (i *Issuer) Issue(ctx context.Context, g Grant) (Token, error) {
	if g.Room == "" {
		return Token{}, fmt.Errorf("token: issue: room is required")
	}
	if g.Identity == "" {
		return Token{}, fmt.Errorf("token: issue: identity is required")
	}
	if !g.Role.Valid() {
		return Token{}, fmt.Errorf("token: issue: invalid role %q", g.Role)
	}

	md, err := json.Marshal(Metadata{Role: g.Role, CallID: g.CallID, TransferID: g.TransferID})
	if err != nil {
		return Token{}, fmt.Errorf("token: issue: metadata: %w", err)
	}

	now := i.now()
	exp := now.Add(i.ttl)
	jti := uuid.New().String()
	name := g.Name
	if name == "" {
		name = g.Identity
	}
	publish := g.Role.CanPublish()
	subscribe := true

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    i.apiKey,
			Subject:   g.Identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: name,
		Video: &VideoGrant{
			Room:           g.Room,
			RoomJoin:       true,
			CanPublish:     &publish,
			CanSubscribe:   &subscribe,
			CanPublishData: &publish,
		},
		Metadata: string(md),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.apiSecret))
	if err != nil {
		return Token{}, fmt.Errorf("token: sign: %w", err)
	}

	row := models.IssuedToken{
		JTI:        jti,
		Room:       g.Room,
		Identity:   g.Identity,
		Role:       string(g.Role),
		CallID:     g.CallID,
		TransferID: g.TransferID,
		ExpiresAt:  exp,
	}
	if err := i.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Token{}, fmt.Errorf("token: record %s: %w", jti, err)
	}

	return Token{
		JWT:       signed,
		JTI:       jti,
		Room:      g.Room,
		Identity:  g.Identity,
		Role:      g.Role,
		ExpiresAt: exp,
	}, nil
}

// AdminToken mints a short-lived server credential for room management
// calls against the media server. Admin tokens are not recorded.
func (i *Issuer) AdminToken(room string) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.apiKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTTL)),
		},
		Video: &VideoGrant{Room: room, RoomCreate: true, RoomList: true, RoomAdmin: true},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.apiSecret))
	if err != nil {
		return "", fmt.Errorf("token: sign admin: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry, room scope and revocation state of
// raw, returning its claims.
func (i *Issuer) Verify(ctx context.Context, raw, room string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(i.apiSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.apiKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Video == nil || claims.Video.Room != room {
		return nil, fmt.Errorf("%w %q", ErrWrongRoom, room)
	}

	var row models.IssuedToken
	if err := i.db.WithContext(ctx).Where("jti = ?", claims.ID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown jti %s", ErrInvalid, claims.ID)
		}
		return nil, fmt.Errorf("token: lookup %s: %w", claims.ID, err)
	}
	if row.RevokedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrRevoked, claims.ID)
	}
	return claims, nil
}

// Revoke marks every unrevoked ledger row matching f as revoked and
// returns how many rows changed.
func (i *Issuer) Revoke(ctx context.Context, f RevokeFilter) (int64, error) {
	q := i.db.WithContext(ctx).Model(&models.IssuedToken{}).Where("revoked_at IS NULL")
	scoped := false
	if f.TransferID != "" {
		q = q.Where("transfer_id = ?", f.TransferID)
		scoped = true
	}
	if f.CallID != "" {
		q = q.Where("call_id = ?", f.CallID)
		scoped = true
	}
	if f.Room != "" {
		q = q.Where("room = ?", f.Room)
		scoped = true
	}
	if f.Identity != "" {
		q = q.Where("identity = ?", f.Identity)
		scoped = true
	}
	if !scoped {
		return 0, fmt.Errorf("token: revoke: empty filter")
	}
	res := q.Update("revoked_at", i.now())
	if res.Error != nil {
		return 0, fmt.Errorf("token: revoke: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Active returns the unrevoked, unexpired ledger rows for room.
func (i *Issuer) Active(ctx context.Context, room string) ([]models.IssuedToken, error) {
	var rows []models.IssuedToken
	err := i.db.WithContext(ctx).
		Where("room = ? AND revoked_at IS NULL AND expires_at > ?", room, i.now()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("token: active %s: %w", room, err)
	}
	return rows, nil
}
