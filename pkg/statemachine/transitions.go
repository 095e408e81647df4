package statemachine

import "github.com/Mindburn-Labs/slrpd/pkg/session"

// transitions lists the legal successors of every stage. PostCheckAudit
// is terminal and has none.
var transitions = map[session.Stage][]session.Stage{
	session.StageDiscover:       {session.StageValidate},
	session.StageValidate:       {session.StageSync, session.StageArm, session.StagePostCheckAudit},
	session.StageSync:           {session.StageArm},
	session.StageArm:            {session.StageDeliver},
	session.StageDeliver:        {session.StageCooldown},
	session.StageCooldown:       {session.StagePostCheckAudit},
	session.StagePostCheckAudit: nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to session.Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the legal next stages of st.
func Successors(st session.Stage) []session.Stage {
	return append([]session.Stage(nil), transitions[st]...)
}
