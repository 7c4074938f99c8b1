// Package chain implements the "platform drafts, agent signs" coordinator
// for agent-funded on-chain effects. For every kind except gas the platform
// fabricates an unsigned transaction, the agent signs and broadcasts it with
// its own wallet, and a second call confirms the resulting txHash against
// chain state. Gas is the one platform-signed kind: the platform spends its
// own funds, so it broadcasts directly and there is no confirm step.
package chain

// Kind identifies one chain action type.
type Kind string

const (
	KindGas             Kind = "gas"
	KindDeployToken     Kind = "deploy-token"
	KindRegisterToken   Kind = "register-token"
	KindRegisterERC8004 Kind = "register-erc8004"
	KindSponsorship     Kind = "sponsorship"
)

// Mode says who signs and broadcasts the transaction for a kind.
type Mode string

const (
	// PlatformSigned: the platform signs and broadcasts at issue time.
	PlatformSigned Mode = "platform-signed"
	// AgentSigned: the platform drafts an unsigned transaction; the agent
	// signs, broadcasts, and confirms the txHash.
	AgentSigned Mode = "agent-signed"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGas, KindDeployToken, KindRegisterToken, KindRegisterERC8004, KindSponsorship:
		return true
	}
	return false
}

// Mode returns the signing mode for a kind.
func (k Kind) Mode() Mode {
	if k == KindGas {
		return PlatformSigned
	}
	return AgentSigned
}
