// Package study defines the variation tree, evaluation and user documents,
// and their Redis storage.
//
// # Trees
//
// A Tree maps integer ids to Nodes rooted at id 0, whose position is the
// game's starting position. Adding a child assigns the next id above the
// largest in use; deleting a node removes its whole subtree; importing a
// foreign tree remaps its ids above the target's so none collide.
//
//	tree := study.NewTree(startFEN)
//	id, err := tree.AddChild(study.RootID, afterE4FEN)
//	if err != nil {
//		return err
//	}
//	_ = tree.SetComment(id, "king's pawn")
//
// # Evaluations
//
// Evaluation scores are from the side to move's point of view. At most one
// of ScoreCentipawns and MateInN is set; a mate overrides any centipawn
// score for display. WhitePerspective converts for boards drawn from
// White's side.
//
// # Redis Schema
//
// All keys follow the pattern arbre:{namespace}:{entity}:{id}
//
// Users: arbre:{namespace}:user:{username} (hash, tree JSON-encoded)
// Evaluations: arbre:{namespace}:eval:{position_key} (hash)
//
// Freshly computed evaluations are published on
// arbre:{namespace}:evaluation_events.
package study
