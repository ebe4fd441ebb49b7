package auth

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/getevo/evo/v2/lib/args"
	"github.com/getevo/evo/v2/lib/db"
)

// IssueToken prints a session token for an existing directory user.
// Tokens are normally minted by the platform; this is for operators and local testing.
func IssueToken() {
	email := args.Get("-email")
	if email == "" {
		fmt.Println("Usage: ./homa-inbox --issue-token -email agent@example.com [-ttl 24h]")
		os.Exit(1)
	}

	ttl := 24 * time.Hour
	if raw := args.Get("-ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("Invalid -ttl: %v", err)
		}
		ttl = parsed
	}

	var user User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		log.Fatalf("User %s not found: %v", email, err)
	}

	token, err := user.GenerateJWT(JWTSecret, ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Printf("User: %s (%s, tenant %d)\n", user.GetFullName(), user.Type, user.TenantID)
	fmt.Printf("Token: %s\n", token)
}
