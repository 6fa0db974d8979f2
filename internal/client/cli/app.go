package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/client/client"
	"github.com/dmitrijs2005/gophauth/internal/client/config"
	pb "github.com/dmitrijs2005/gophauth/internal/proto"
)

// AuthClient is the server API the commands drive.
type AuthClient interface {
	Close() error
	LoggedIn() bool
	Register(ctx context.Context, name, email, password string) (string, error)
	Login(ctx context.Context, email, password string) error
	VerifyOTP(ctx context.Context, email, code string) error
	ResendOTP(ctx context.Context, email string) error
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
	ChangePassword(ctx context.Context, currentPassword, newPassword string) error
	Profile(ctx context.Context) (*pb.ProfileResponse, error)
	AssignRoles(ctx context.Context, accountID string, roles []string) (*pb.ProfileResponse, error)
}

type App struct {
	config *config.Config
	api    AuthClient
	email  string
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(c *config.Config) (*App, error) {
	apiClient, err := client.NewGRPCClient(c.ServerEndpointAddr)
	if err != nil {
		return nil, err
	}

	return &App{config: c, api: apiClient, reader: bufio.NewReader(os.Stdin), out: os.Stdout}, nil
}

func (a *App) isLoggedIn() bool {
	return a.api.LoggedIn()
}

func (a *App) getStatus() string {
	if a.email == "" {
		return ""
	}
	if a.isLoggedIn() {
		return fmt.Sprintf("(%s)", a.email)
	}
	return fmt.Sprintf("(%s, awaiting code)", a.email)
}

// Run starts the REPL on stdin and closes the connection when it returns.
func (a *App) Run(ctx context.Context) {
	defer a.api.Close()

	fmt.Fprintln(a.out, "Welcome to gophauth CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
}
