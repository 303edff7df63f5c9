package panel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
)

// InMemoryPanel реализация адаптера панели в памяти. Используется в тестах
// и в режиме разработки без реальной панели. Поля Fail* позволяют
// имитировать отказ отдельной операции.
type InMemoryPanel struct {
	mu       sync.RWMutex
	accounts map[string]map[string]AccountState

	// счетчики обращений по операциям (для проверок в тестах)
	ListCalls  map[string]int
	ApplyCalls int

	FailGet    error
	FailList   error
	FailCreate error
	FailApply  error
	FailDelete error
}

// NewInMemoryPanel создает новую панель в памяти
func NewInMemoryPanel() *InMemoryPanel {
	return &InMemoryPanel{
		accounts:  make(map[string]map[string]AccountState),
		ListCalls: make(map[string]int),
	}
}

// Seed добавляет аккаунт напрямую, минуя интерфейс адаптера
func (p *InMemoryPanel) Seed(namespace string, account AccountState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accounts[namespace] == nil {
		p.accounts[namespace] = make(map[string]AccountState)
	}
	p.accounts[namespace][account.Ref] = account
}

// Account возвращает текущее состояние аккаунта (для проверок в тестах)
func (p *InMemoryPanel) Account(namespace, ref string) (AccountState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ns, ok := p.accounts[namespace]
	if !ok {
		return AccountState{}, false
	}
	account, ok := ns[ref]
	return account, ok
}

// ListNamespaces возвращает все пространства панели
func (p *InMemoryPanel) ListNamespaces(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.FailList != nil {
		return nil, p.FailList
	}

	namespaces := make([]string, 0, len(p.accounts))
	for namespace := range p.accounts {
		namespaces = append(namespaces, namespace)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

// GetAccount возвращает аккаунт по ссылке или (nil, nil), если его нет
func (p *InMemoryPanel) GetAccount(ctx context.Context, namespace, ref string) (*AccountState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.FailGet != nil {
		return nil, p.FailGet
	}

	ns, ok := p.accounts[namespace]
	if !ok {
		return nil, nil
	}
	account, ok := ns[ref]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

// ListAccounts возвращает все аккаунты пространства
func (p *InMemoryPanel) ListAccounts(ctx context.Context, namespace string) ([]AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailList != nil {
		return nil, p.FailList
	}

	p.ListCalls[namespace]++

	accounts := make([]AccountState, 0, len(p.accounts[namespace]))
	for _, account := range p.accounts[namespace] {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Ref < accounts[j].Ref })
	return accounts, nil
}

// CreateAccount создает аккаунт в пространстве
func (p *InMemoryPanel) CreateAccount(ctx context.Context, namespace string, account AccountState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailCreate != nil {
		return p.FailCreate
	}

	if p.accounts[namespace] == nil {
		p.accounts[namespace] = make(map[string]AccountState)
	}
	p.accounts[namespace][account.Ref] = account
	return nil
}

// ApplyAccountState применяет частичное обновление к аккаунту
func (p *InMemoryPanel) ApplyAccountState(ctx context.Context, namespace, ref string, patch AccountPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailApply != nil {
		return p.FailApply
	}

	ns, ok := p.accounts[namespace]
	if !ok {
		return fmt.Errorf("%w: account %s/%s", domain.ErrAccountDesync, namespace, ref)
	}
	account, ok := ns[ref]
	if !ok {
		return fmt.Errorf("%w: account %s/%s", domain.ErrAccountDesync, namespace, ref)
	}

	p.ApplyCalls++

	if patch.ExpiresAt != nil {
		if patch.ExpiresAt.IsZero() {
			account.ExpiresAt = nil
		} else {
			t := *patch.ExpiresAt
			account.ExpiresAt = &t
		}
	}
	if patch.Enabled != nil {
		account.Enabled = *patch.Enabled
	}
	if patch.DeviceLimit != nil {
		limit := *patch.DeviceLimit
		account.DeviceLimit = &limit
	}

	ns[ref] = account
	return nil
}

// DeleteAccount удаляет аккаунт из пространства
func (p *InMemoryPanel) DeleteAccount(ctx context.Context, namespace, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailDelete != nil {
		return p.FailDelete
	}

	if ns, ok := p.accounts[namespace]; ok {
		delete(ns, ref)
	}
	return nil
}
