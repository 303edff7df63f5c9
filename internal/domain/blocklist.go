package domain

import "time"

// BlockedIdentity запись черного списка. Ключом служит внешняя идентичность
// аккаунта, поэтому запись переживает удаление локальных строк пользователя
// и позволяет отключать аккаунты панели даже после их удаления из базы.
type BlockedIdentity struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
