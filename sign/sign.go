/*
Package sign implements the Schnorr signatures used to sign chat messages.
Keys live on the edwards25519 curve and are encoded with MarshalBinary, so
they can be stored in hex in configuration files.
*/
package sign

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// GenKeys creates a new private/public key pair.
func GenKeys() (kyber.Scalar, kyber.Point) {
	pair := key.NewKeyPair(suite)
	return pair.Private, pair.Public
}

// PublicKey derives the public key of a private key.
func PublicKey(private kyber.Scalar) kyber.Point {
	return suite.Point().Mul(private, nil)
}

// SignSchnorr signs msg with the private key.
func SignSchnorr(private kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, private, msg)
}

// VerifySchnorr reports whether sig is a valid signature of msg. A malformed
// or wrong signature returns false with the reason.
func VerifySchnorr(public kyber.Point, msg, sig []byte) (bool, error) {
	if err := schnorr.Verify(suite, public, msg, sig); err != nil {
		return false, err
	}
	return true, nil
}

// EncodePrivateKey marshals a private key.
func EncodePrivateKey(private kyber.Scalar) ([]byte, error) {
	return private.MarshalBinary()
}

// DecodePrivateKey unmarshals a private key.
func DecodePrivateKey(data []byte) (kyber.Scalar, error) {
	private := suite.Scalar()
	if err := private.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return private, nil
}

// EncodePublicKey marshals a public key.
func EncodePublicKey(public kyber.Point) ([]byte, error) {
	return public.MarshalBinary()
}

// DecodePublicKey unmarshals a public key.
func DecodePublicKey(data []byte) (kyber.Point, error) {
	public := suite.Point()
	if err := public.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return public, nil
}
