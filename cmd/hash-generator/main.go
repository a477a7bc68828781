// Command hash-generator prints a bcrypt hash for seeding users by hand.
//
//	hash-generator -password 'correct horse battery'
//	echo 'correct horse battery' | hash-generator -cost 12
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phrazzld/bookshelf-api/internal/service/auth"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	password := flag.String("password", "", "password to hash; read from stdin when empty")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	hash, err := run(*password, *cost, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-generator: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run(password string, cost int, stdin io.Reader) (string, error) {
	if password == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	return auth.NewBcryptHasher(cost).Hash(password)
}
