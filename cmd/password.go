package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/homedash/pkg/hasher"
)

// HashPasswordCommand prints a bcrypt hash suitable for AUTH_PASSWORD_HASH.
// The password is read from the first argument or, failing that, stdin.
func HashPasswordCommand(ctx *cli.Context) error {
	return hashPassword(ctx.Args().First(), ctx.App.Reader, ctx.App.Writer)
}

func hashPassword(arg string, in io.Reader, out io.Writer) error {
	password := arg
	if password == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := hasher.HashPassword([]byte(password))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
