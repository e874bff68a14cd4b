package authority

// configSchema is the JSON Schema (Draft 2020-12) every declarative config
// must satisfy before semantic validation runs.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://videowall.local/platform-config.schema.json",
  "type": "object",
  "required": ["platform"],
  "properties": {
    "platform": {
      "type": "object",
      "required": ["version", "max_concurrent_streams"],
      "properties": {
        "version": {
          "type": "string",
          "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+(-[0-9A-Za-z.-]+)?$"
        },
        "max_concurrent_streams": {"type": "integer", "minimum": 1},
        "codec_policy": {
          "type": "object",
          "properties": {
            "tiles": {"type": "string"},
            "mosaics": {"type": "string"}
          }
        },
        "latency_classes": {
          "type": "object",
          "properties": {
            "interactive_max_ms": {"type": "integer", "minimum": 0},
            "broadcast_max_ms": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "walls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "classification", "latency_class"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["tiles", "bigscreen"]},
          "classification": {"type": "string"},
          "latency_class": {"type": "string"},
          "resolution": {"type": "string"},
          "grid": {
            "type": "object",
            "required": ["rows", "cols"],
            "properties": {
              "rows": {"type": "integer", "minimum": 1},
              "cols": {"type": "integer", "minimum": 1}
            }
          },
          "screens": {"type": "integer", "minimum": 1},
          "tags": {"type": "object", "additionalProperties": {"type": "string"}}
        },
        "allOf": [
          {
            "if": {"properties": {"type": {"const": "tiles"}}},
            "then": {"required": ["grid"]}
          },
          {
            "if": {"properties": {"type": {"const": "bigscreen"}}},
            "then": {"required": ["screens"]}
          }
        ]
      }
    },
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "tags"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["webrtc", "srt", "rtsp", "rtp"]},
          "endpoint": {"type": "string"},
          "codec": {"type": "string"},
          "resolution": {"type": "string"},
          "bitrate_kbps": {"type": "integer", "minimum": 0},
          "tags": {
            "type": "object",
            "required": ["classification"],
            "additionalProperties": {"type": "string"}
          }
        },
        "if": {"properties": {"type": {"enum": ["srt", "rtsp", "rtp"]}}},
        "then": {
          "required": ["endpoint"],
          "properties": {"endpoint": {"minLength": 1}}
        }
      }
    },
    "policy": {
      "type": "object",
      "properties": {
        "taxonomy": {"type": "object"},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "effect"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "effect": {"enum": ["allow", "deny"]},
              "when": {"type": "array", "items": {"type": "object"}}
            }
          }
        },
        "allow_list": {"type": "array", "items": {"type": "object"}},
        "defaults": {"type": "object"}
      }
    }
  }
}`
