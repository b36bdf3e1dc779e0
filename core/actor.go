package core

import "strings"

// Actor 是边界处归一化后的行为发起者，下游统一使用。
type Actor struct {
	ID          string
	DisplayName string
	Email       string
}

// NewActor 归一化并校验 Actor，ID 为空时返回 INVALID_INPUT。
func NewActor(id, displayName, email string) (Actor, error) {
	a := Actor{
		ID:          strings.TrimSpace(id),
		DisplayName: strings.TrimSpace(displayName),
		Email:       strings.ToLower(strings.TrimSpace(email)),
	}
	if a.ID == "" {
		return Actor{}, NewDomainError(ModuleEngine, ErrorCodeInvalidInput, "actor: empty id")
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	return a, nil
}
