package math

import (
	"testing"
)

func TestIdentity(t *testing.T) {
	m := Identity()
	// Diagonal should be 1
	if m[0] != 1 || m[5] != 1 || m[10] != 1 || m[15] != 1 {
		t.Error("Identity diagonal should be 1")
	}
	if m[1] != 0 || m[4] != 0 {
		t.Error("Identity off-diagonal should be 0")
	}
}

func TestMulIdentity(t *testing.T) {
	m := Translate(1, 2, 3)
	result := m.Mul(Identity())

	for i := 0; i < 16; i++ {
		if result[i] != m[i] {
			t.Errorf("M * I should equal M, element %d: got %f, want %f", i, result[i], m[i])
		}
	}
}

func TestMat4FromRows(t *testing.T) {
	m := Mat4FromRows([4][4]float32{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{0, 0, 0, 1},
	})
	if m.At(0, 3) != 4 || m.At(2, 1) != 10 {
		t.Errorf("At: got %v, %v", m.At(0, 3), m.At(2, 1))
	}
	if m.Translation() != (Vec3{4, 8, 12}) {
		t.Errorf("Translation: got %v", m.Translation())
	}
	if m.Rotation()[1] != [3]float32{5, 6, 7} {
		t.Errorf("Rotation row 1: got %v", m.Rotation()[1])
	}
}

func TestTransformPoint(t *testing.T) {
	m := Translate(10, 20, 30)
	result := m.TransformPoint(Vec3{1, 2, 3})

	expected := Vec3{11, 22, 33}
	if result != expected {
		t.Errorf("TransformPoint: got %v, want %v", result, expected)
	}
	if d := m.TransformDirection(Vec3{1, 2, 3}); d != (Vec3{1, 2, 3}) {
		t.Errorf("TransformDirection should ignore translation, got %v", d)
	}
}

func TestPerspective(t *testing.T) {
	m := Perspective(Radians(45), 1, 0.1, 100)

	if m[0] == 0 || m[5] == 0 {
		t.Error("Perspective should have non-zero elements")
	}
	if m[15] != 0 {
		t.Errorf("Perspective [15] should be 0, got %f", m[15])
	}
	if m[11] != -1 {
		t.Errorf("Perspective [11] should be -1, got %f", m[11])
	}
}

func TestInverse(t *testing.T) {
	m := FromRotation(QuatFromAxisAngle(Vec3{0, 1, 0}, 0.7).Mat3(), Vec3{1, -2, 3})
	p := m.Mul(m.Inverse())
	id := Identity()
	for i := range p {
		if abs(p[i]-id[i]) > 1e-5 {
			t.Fatalf("M * M^-1 element %d = %v, want %v", i, p[i], id[i])
		}
	}
}

func TestLookAtMatchesPoseInverse(t *testing.T) {
	eye := Vec3{1, 2, 5}
	pose := LookAtPose(eye, Vec3{}, Vec3{0, 1, 0})
	view := LookAt(eye, Vec3{}, Vec3{0, 1, 0})
	inv := pose.Inverse()
	for i := range view {
		if abs(view[i]-inv[i]) > 1e-5 {
			t.Fatalf("element %d: view %v, pose^-1 %v", i, view[i], inv[i])
		}
	}
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
