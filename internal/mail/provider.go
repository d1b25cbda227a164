package mail

import (
	"context"
	"fmt"
	"sync"

	"inboxpilot/internal/database"
)

// Provider hands out one authenticated client per account. Clients are
// built lazily and cached; Gmail service handles are safe for
// concurrent use.
type Provider struct {
	db              *database.DB
	credentialsFile string
	tokenDir        string

	mu      sync.Mutex
	clients map[int64]Client
}

func NewProvider(db *database.DB, credentialsFile, tokenDir string) *Provider {
	return &Provider{
		db:              db,
		credentialsFile: credentialsFile,
		tokenDir:        tokenDir,
		clients:         make(map[int64]Client),
	}
}

func (p *Provider) ClientFor(ctx context.Context, accountID int64) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[accountID]; ok {
		return client, nil
	}

	account, err := p.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("no account %d", accountID)
	}

	client, err := NewGmailClient(ctx, p.credentialsFile, p.tokenDir, account.Email)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", account.Email, err)
	}
	p.clients[accountID] = client
	return client, nil
}
