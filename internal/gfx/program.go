package gfx

import (
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/gogpu/naga"
	"github.com/sirupsen/logrus"
)

// ParamType is the type of a uniform field.
type ParamType int

const (
	ParamFloat ParamType = iota
	ParamInt
	ParamVec3
	ParamVec4
)

func (t ParamType) String() string {
	switch t {
	case ParamFloat:
		return "f32"
	case ParamInt:
		return "i32"
	case ParamVec3:
		return "vec3<f32>"
	case ParamVec4:
		return "vec4<f32>"
	default:
		return "unknown"
	}
}

// Param is a named uniform of a program.
type Param struct {
	name  string
	typ   ParamType
	value [4]float32
}

func (p *Param) Name() string    { return p.name }
func (p *Param) Type() ParamType { return p.typ }

// Uniforms is the parameter snapshot handed to a kernel for one draw.
type Uniforms map[string][4]float32

func (u Uniforms) Float(name string) float32 { return u[name][0] }
func (u Uniforms) Int(name string) int       { return int(u[name][0]) }
func (u Uniforms) Bool(name string) bool     { return u[name][0] != 0 }

func (u Uniforms) Vec3(name string) [3]float32 {
	v := u[name]
	return [3]float32{v[0], v[1], v[2]}
}

// Kernel evaluates a program on the software device. inputs are bound in
// the order given to Draw.
type Kernel func(dst *Texture, inputs []*Texture, u Uniforms) error

// Program is a compiled shader plus the uniforms it declares.
type Program struct {
	name      string
	spirv     []byte
	params    map[string]*Param
	kernel    Kernel
	dev       *Device
	destroyed atomic.Bool
}

var (
	uniformVarRe = regexp.MustCompile(`var<uniform>\s+\w+\s*:\s*(\w+)\s*;`)
	fieldRe      = regexp.MustCompile(`(?m)^\s*(?:@\w+\(\d+\)\s*)*(\w+)\s*:\s*([\w<>]+)\s*,?`)
)

// LoadProgram compiles WGSL source and binds the kernel that evaluates it.
// Every uniform struct field becomes a named parameter.
func (d *Device) LoadProgram(name, source string, kernel Kernel) (*Program, error) {
	if err := d.requireContext("load program"); err != nil {
		return nil, err
	}
	if kernel == nil {
		return nil, fmt.Errorf("%w: %s: no kernel bound", ErrShaderCompile, name)
	}

	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShaderCompile, name, err)
	}

	params, err := parseUniforms(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShaderCompile, name, err)
	}

	p := &Program{
		name:   name,
		spirv:  spirv,
		params: params,
		kernel: kernel,
		dev:    d,
	}
	d.programsLoaded.Add(1)
	d.logger.WithFields(logrus.Fields{
		"program":     name,
		"spirv_bytes": len(spirv),
		"params":      len(params),
	}).Debug("program loaded")
	return p, nil
}

func parseUniforms(source string) (map[string]*Param, error) {
	params := make(map[string]*Param)
	for _, m := range uniformVarRe.FindAllStringSubmatch(source, -1) {
		structRe := regexp.MustCompile(`struct\s+` + regexp.QuoteMeta(m[1]) + `\s*\{([^}]*)\}`)
		body := structRe.FindStringSubmatch(source)
		if body == nil {
			return nil, fmt.Errorf("uniform struct %s not found", m[1])
		}
		for _, f := range fieldRe.FindAllStringSubmatch(body[1], -1) {
			var typ ParamType
			switch f[2] {
			case "f32":
				typ = ParamFloat
			case "i32", "u32":
				typ = ParamInt
			case "vec3<f32>", "vec3f":
				typ = ParamVec3
			case "vec4<f32>", "vec4f":
				typ = ParamVec4
			default:
				return nil, fmt.Errorf("field %s has unsupported type %s", f[1], f[2])
			}
			params[f[1]] = &Param{name: f[1], typ: typ}
		}
	}
	return params, nil
}

func (p *Program) Name() string { return p.name }

// Param returns the named parameter or nil when the program lacks it.
func (p *Program) Param(name string) *Param {
	return p.params[name]
}

// ParamNames returns the declared parameter names, sorted.
func (p *Program) ParamNames() []string {
	names := make([]string, 0, len(p.params))
	for n := range p.params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Require fails with ErrShaderParamMissing unless every name is declared.
func (p *Program) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := p.params[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s: %v", ErrShaderParamMissing, p.name, missing)
	}
	return nil
}

func (d *Device) setParam(p *Param, typ ParamType, v [4]float32) error {
	if err := d.requireContext("set param"); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: nil param", ErrShaderParamMissing)
	}
	if p.typ != typ {
		return fmt.Errorf("gfx: param %s is %s, not %s", p.name, p.typ, typ)
	}
	p.value = v
	d.paramSets.Add(1)
	return nil
}

func (d *Device) SetFloat(p *Param, v float32) error {
	return d.setParam(p, ParamFloat, [4]float32{v})
}

func (d *Device) SetInt(p *Param, v int) error {
	return d.setParam(p, ParamInt, [4]float32{float32(v)})
}

func (d *Device) SetBool(p *Param, v bool) error {
	var f float32
	if v {
		f = 1
	}
	return d.setParam(p, ParamInt, [4]float32{f})
}

func (d *Device) SetVec3(p *Param, v [3]float32) error {
	return d.setParam(p, ParamVec3, [4]float32{v[0], v[1], v[2]})
}

// Draw runs prog into dst with the given input textures bound.
func (d *Device) Draw(prog *Program, dst *Texture, inputs ...*Texture) error {
	if err := d.requireContext("draw"); err != nil {
		return err
	}
	if prog == nil || prog.destroyed.Load() {
		return fmt.Errorf("%w: program", ErrDestroyed)
	}
	if dst == nil || dst.Destroyed() {
		return fmt.Errorf("%w: draw target", ErrDestroyed)
	}
	for i, in := range inputs {
		if in == nil || in.Destroyed() {
			return fmt.Errorf("%w: input %d", ErrDestroyed, i)
		}
	}

	u := make(Uniforms, len(prog.params))
	for name, p := range prog.params {
		u[name] = p.value
	}
	d.draws.Add(1)
	return prog.kernel(dst, inputs, u)
}

// DestroyProgram frees a program. Destroying nil is a no-op.
func (d *Device) DestroyProgram(p *Program) error {
	if p == nil {
		return nil
	}
	if err := d.requireContext("destroy program"); err != nil {
		return err
	}
	if !p.destroyed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: program %s", ErrDestroyed, p.name)
	}
	p.spirv = nil
	d.programsDestroyed.Add(1)
	d.logger.WithField("program", p.name).Debug("program destroyed")
	return nil
}
