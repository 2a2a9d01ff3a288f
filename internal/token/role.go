package token

// Role is a participant's part in a call, fixed when its token is issued.
type Role string

const (
	RoleCaller      Role = "caller"
	RoleAgent       Role = "agent"
	RoleSourceAgent Role = "source_agent"
	RoleTargetAgent Role = "target_agent"
	RoleAIAssistant Role = "ai_assistant"
)

var validRoles = map[Role]bool{
	RoleCaller:      true,
	RoleAgent:       true,
	RoleSourceAgent: true,
	RoleTargetAgent: true,
	RoleAIAssistant: true,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return validRoles[r]
}

// CanPublish reports whether the role may publish media tracks.
// AI assistants only listen.
func (r Role) CanPublish() bool {
	return r != RoleAIAssistant
}

// RoleForParticipant maps a join-room participant type to a role.
// Unknown types resolve to RoleCaller, the least privileged human role.
func RoleForParticipant(participantType string) Role {
	switch participantType {
	case "agent":
		return RoleAgent
	case "ai_assistant", "ai":
		return RoleAIAssistant
	default:
		return RoleCaller
	}
}
