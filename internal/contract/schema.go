package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"remanufacturing-scheduler/internal/types"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://remanufacturing-scheduler/schemas/"

// ErrSchema 表示结果可以解析但不符合阶段的结果结构
var ErrSchema = errors.New("contract: result does not match schema")

var (
	compileOnce sync.Once
	compiled    map[types.Stage]*jsonschema.Schema
	compileErr  error
)

func resultSchemas() (map[types.Stage]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		files := []string{"defs.json", "pap-result.json", "pip-result.json", "pipo-result.json"}
		for _, name := range files {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				compileErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				compileErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(schemaBase+name, doc); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		compiled = make(map[types.Stage]*jsonschema.Schema, len(types.Stages))
		for _, stage := range types.Stages {
			sch, err := c.Compile(schemaBase + string(stage) + "-result.json")
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", stage, err)
				return
			}
			compiled[stage] = sch
		}
	})
	return compiled, compileErr
}

// DecodeResult 按阶段校验并解码算法输出
// raw 必须已经是合法 JSON；结构不符合时返回包装了 ErrSchema 的错误
func DecodeResult(stage types.Stage, raw []byte) (Result, error) {
	schemas, err := resultSchemas()
	if err != nil {
		return nil, err
	}
	sch, ok := schemas[stage]
	if !ok {
		return nil, fmt.Errorf("contract: unknown stage %q", stage)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	switch stage {
	case types.StagePAP:
		var r PAPResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		return r, nil
	case types.StagePIP:
		var r PIPResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		return r, nil
	default:
		var r PIPOResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		return r, nil
	}
}
