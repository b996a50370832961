package event

// notificationSchema describes the JSON form of a raw notification delivered by
// user-space interception adapters.
const notificationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type", "pid", "comm"],
  "properties": {
    "request_id": {"type": "string", "maxLength": 128},
    "type": {"enum": ["syscall", "memory_write", "spawn", "exec", "exit"]},
    "ts": {"type": "string"},
    "pid": {"type": "integer", "minimum": 1},
    "ppid": {"type": "integer", "minimum": 0},
    "comm": {"type": "string", "minLength": 1, "maxLength": 64},
    "uid": {"type": "integer", "minimum": 0, "maximum": 4294967295},
    "euid": {"type": "integer", "minimum": 0, "maximum": 4294967295},
    "syscall": {"type": "string", "minLength": 1, "maxLength": 64},
    "target": {"type": "string", "maxLength": 4096},
    "region": {"type": "string", "minLength": 1, "maxLength": 128},
    "digest": {"type": "string", "pattern": "^[0-9a-f]{16,128}$"},
    "args": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "syscall"}}},
      "then": {"required": ["syscall"]}
    },
    {
      "if": {"properties": {"type": {"const": "memory_write"}}},
      "then": {"required": ["region", "digest"]}
    }
  ]
}`
