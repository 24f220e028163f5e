// Package schema defines the records persisted by the offline store.
//
// # Overview
//
// Three record kinds live in the local database:
//
//   - Project: a story being turned into a video (draft → storyboard →
//     rendering → completed)
//   - Scene: one storyboard frame of a project, ordered by Position
//   - QueuedAction: deferred work that needs a remote service
//
// # Action Payloads
//
// Every QueuedAction carries a typed payload. The payload is a sealed
// interface with one struct per action type, so dispatch code can switch on
// the concrete type:
//
//	switch p := action.Payload.(type) {
//	case *schema.GenerateScenesPayload:
//	    // p.ProjectID, p.SourceText, p.Style, p.SceneCount
//	case *schema.GenerateImagePayload:
//	    // p.SceneID, p.Prompt
//	case *schema.GenerateVideoPayload:
//	    // p.ProjectID
//	case *schema.UpdateScenePayload:
//	    // p.SceneID, p.Patch
//	}
//
// Payloads are stored as JSON next to their type tag:
//
//	data, err := schema.EncodePayload(payload)
//	payload, err := schema.DecodePayload(schema.ActionGenerateImage, data)
//
// # Patches
//
// Updates are expressed as patches whose nil fields are left untouched.
// Applying a patch never appends: every field is "set to value", which keeps
// re-application of the same result harmless.
//
//	title := "Night Train"
//	err := schema.ProjectPatch{Title: &title}.Apply(project, now)
package schema
