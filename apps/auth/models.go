package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/generic"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/getevo/restify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/models"
	"gorm.io/gorm"
)

// User type constants
const (
	UserTypeAgent         = "agent"
	UserTypeAdministrator = "administrator"
)

// Permission names checked by the inbox
const (
	PermissionOverrideAssignment = "inbox.assignment.override"
	PermissionManageIntegrations = "inbox.integrations.manage"
	// PermissionPlatformOperator grants the generic cross-tenant data API.
	// Tenant administrators do not hold it.
	PermissionPlatformOperator = "platform.operator"
)

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("invalid or expired token")

// JWT configuration
var JWTSecret []byte

// InitializeJWTSecret should be called during app initialization (Register or WhenReady)
func InitializeJWTSecret() {
	secret := settings.Get("JWT.SECRET").String()
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		log.Warning("JWT_SECRET not set, using development key. Change this in production!")
		secret = "your-secret-key-change-this-in-production"
	}
	JWTSecret = []byte(secret)
	log.Debug("JWT secret initialized successfully")
}

// Claims carried by session tokens issued by the platform
type Claims struct {
	UserID   string `json:"user_id"`
	TenantID uint   `json:"tenant_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// User is the directory entry of an employee. The inbox reads it and never
// manages credentials.
type User struct {
	UserID                uuid.UUID `gorm:"column:id;type:char(36);primaryKey" json:"id"`
	TenantID              uint      `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Name                  string    `gorm:"column:name;size:255;not null" json:"name"`
	LastName              string    `gorm:"column:last_name;size:255" json:"last_name"`
	DisplayName           string    `gorm:"column:display_name;size:255" json:"display_name"`
	Avatar                *string   `gorm:"column:avatar;size:500" json:"avatar"`
	Email                 string    `gorm:"column:email;size:255;uniqueIndex;not null" json:"email"`
	Type                  string    `gorm:"column:type;size:50;not null" json:"type"`
	CanOverrideAssignment bool      `gorm:"column:can_override_assignment;not null;default:false" json:"can_override_assignment"`
	AssignmentsPaused     bool      `gorm:"column:assignments_paused;not null;default:false" json:"assignments_paused"`
	PlatformOperator      bool      `gorm:"column:platform_operator;not null;default:false" json:"-"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	restify.API `json:"-"`
}

func (User) TableName() string {
	return "users"
}

// BeforeCreate hook to generate UUID for User
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.UserID == uuid.Nil {
		u.UserID = uuid.New()
	}
	return nil
}

// Evo UserInterface implementation
func (u *User) GetFirstName() string {
	return u.Name
}

func (u *User) GetLastName() string {
	return u.LastName
}

func (u *User) GetFullName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return strings.TrimSpace(u.Name + " " + u.LastName)
}

func (u *User) GetEmail() string {
	return u.Email
}

func (u *User) UUID() string {
	return u.UserID.String()
}

func (u *User) ID() uint64 {
	return uint64(u.UserID.ID())
}

func (u *User) Interface() interface{} {
	return u
}

func (u *User) Anonymous() bool {
	return u.UserID == uuid.Nil
}

func (u *User) IsAdministrator() bool {
	return u.Type == UserTypeAdministrator
}

func (u *User) HasPermission(permission string) bool {
	if permission == PermissionPlatformOperator {
		return u.PlatformOperator
	}
	if u.IsAdministrator() {
		return true
	}
	switch permission {
	case PermissionOverrideAssignment:
		return u.CanOverrideAssignment
	}
	return false
}

func (u *User) Attributes() evo.Attributes {
	var m evo.Attributes
	generic.Parse(u).Cast(&m)
	return m
}

// FromRequest extracts user from JWT token in request
func (u *User) FromRequest(request *evo.Request) evo.UserInterface {
	token := BearerToken(GetAuthToken(request))
	if token == "" {
		return u
	}

	claims, err := ParseToken(JWTSecret, token)
	if err != nil {
		log.Debug("JWT parsing error: %v", err)
		return u
	}

	user, err := LoadUser(models.Conn(), claims)
	if err != nil {
		log.Debug("User not found for claims: %s", claims.UserID)
		return u
	}
	return user
}

// ParseToken verifies an HMAC signed session token
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret not initialized", ErrInvalidToken)
	}

	jwtToken, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := jwtToken.Claims.(*Claims)
	if !ok || !jwtToken.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LoadUser resolves token claims against the directory. The tenant in the
// token must match the stored one.
func LoadUser(conn *gorm.DB, claims *Claims) (*User, error) {
	var user User
	if err := conn.Where("id = ? AND tenant_id = ?", claims.UserID, claims.TenantID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GenerateJWT signs a session token for the user
func (u *User) GenerateJWT(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   u.UserID.String(),
		TenantID: u.TenantID,
		Email:    u.Email,
		Name:     u.GetFullName(),
		Type:     u.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// GetAuthToken retrieves the authentication token from the request.
// It first tries the X-Authorization and Authorization headers and falls back to the Authorization cookie.
func GetAuthToken(request *evo.Request) string {
	var token = request.Header("X-Authorization")
	if token == "" {
		token = request.Header("Authorization")
	}
	if token == "" {
		token = request.Cookie("Authorization")
	}
	return token
}

// BearerToken strips the Bearer prefix and any trailing garbage
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if idx := strings.IndexAny(token, ",\""); idx != -1 {
		token = token[:idx]
	}
	return token
}

// CurrentUser returns the authenticated agent or administrator of the request
func CurrentUser(request *evo.Request) (*User, bool) {
	if request.User().Anonymous() {
		return nil, false
	}
	user, ok := request.User().Interface().(*User)
	if !ok || user == nil {
		return nil, false
	}
	if user.Type != UserTypeAgent && user.Type != UserTypeAdministrator {
		return nil, false
	}
	return user, true
}
