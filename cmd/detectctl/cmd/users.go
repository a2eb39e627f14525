package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var userPassword string

// usersCmd groups API user management.
var usersCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

// usersAddCmd creates or resets an API user.
var usersAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user or reset its password",
	Long:  `Store a bcrypt hash of the password for basic auth. The password is read from stdin when --password is not given.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersAdd,
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersAddCmd)
	usersAddCmd.Flags().StringVar(&userPassword, "password", "", "password for the user")
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	if username == "" {
		return errors.New("username must not be empty")
	}
	password := userPassword
	if password == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	users, pool, err := openRepository(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := users.CreateUser(ctx, username, hash); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s saved\n", username)
	return nil
}
