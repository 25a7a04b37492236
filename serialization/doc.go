// Package serialization defines the codec contract and the registry that
// maps type discriminators to codecs.
//
// Built-in codecs cover a human-readable format (JSON), compact binary
// formats (CBOR, Protobuf), plain text and raw bytes. Any codec can be
// wrapped with gzip or zstd compression.
//
//	registry := serialization.NewCodecRegistry()
//	_ = serialization.RegisterType[ChatMessage](registry, "chat.Message", serialization.JSON[ChatMessage]())
//
//	env, err := registry.Encode(ChatMessage{Text: "hi"}) // env.TypeID == "chat.Message"
//	msg, err := registry.Decode(env.TypeID, env.Payload)  // msg.(ChatMessage)
package serialization
