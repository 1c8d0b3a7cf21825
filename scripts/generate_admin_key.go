//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	key := uuid.NewString()
	if len(os.Args) > 1 {
		key = os.Args[1]
	}
	if len(key) < 16 {
		fmt.Println("Admin key must be at least 16 characters")
		fmt.Println("Usage: go run scripts/generate_admin_key.go [key]")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("Error generating hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Admin key: %s\n", key)
	fmt.Println("\nSend it in the X-Admin-Key header and set in the environment:")
	fmt.Printf("ADMIN_KEY_HASH='%s'\n", string(hash))
}
