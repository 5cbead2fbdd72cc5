package flow

// definitionSchema validates flow definition files before they are loaded.
// Catching malformed tables here keeps configuration bugs out of the engine.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["version", "initial_state", "transitions"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"initial_state": {"type": "string", "minLength": 1},
		"transitions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["from", "action", "to", "actors"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"action": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"actors": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "enum": ["USER", "SYSTEM", "ADMIN", "EXTERNAL"]}
					},
					"async": {"type": "boolean"},
					"compensation": {"type": "string"},
					"sets_status": {
						"type": "string",
						"enum": ["ACTIVE", "PAUSED", "COMPLETED", "CANCELLED", "COMPENSATED", "EXPIRED", "FAILED"]
					}
				},
				"additionalProperties": false
			}
		},
		"auto_actions": {
			"type": "object",
			"additionalProperties": {"type": "string", "minLength": 1}
		}
	},
	"additionalProperties": false
}`
